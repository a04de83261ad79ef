// Package version pins the agent version reported to the gateway and
// compared against release tags during self-update.
package version

// Version is bumped on every release. The gateway reads it from the
// X-PIGLET-VERSION upgrade header.
const Version = "0.0.40"
