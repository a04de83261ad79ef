//go:build !windows && !linux

package input

import (
	"fmt"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

// NewBackend has no implementation on this platform.
func NewBackend() (Backend, error) {
	return nil, fmt.Errorf("%w: no input backend", types.ErrUnsupported)
}
