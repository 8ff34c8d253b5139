//go:build !windows
// +build !windows

// Package native attaches to live Windows processes. On other operating
// systems only minidump targets are available.
package native

import (
	"errors"

	"github.com/winwalk/winwalk/pkg/proc"
)

// ErrUnsupportedOS is returned by Attach on operating systems other than
// Windows.
var ErrUnsupportedOS = errors.New("attaching to a live process is only supported on windows")

// Attach is not available on this operating system.
func Attach(pid uint32) (*proc.Target, func() error, error) {
	return nil, nil, ErrUnsupportedOS
}
