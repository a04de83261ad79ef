//go:build !windows

package diagnostics

func collectPlatform(map[string]any) {}
