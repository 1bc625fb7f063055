package host

import (
	"errors"
	"fmt"
)

// ErrNotMounted reports a lookup or unmount of a module that is not
// mounted at the given point.
var ErrNotMounted = errors.New("module not mounted")

// ErrClosed reports an operation on a coordinator that has shut down.
var ErrClosed = errors.New("coordinator is shut down")

// DuplicateMountError reports a second mount of a (point, name) pair.
// The duplicate module's init is never invoked.
type DuplicateMountError struct {
	Point string
	Name  string
}

func (e *DuplicateMountError) Error() string {
	return fmt.Sprintf("module %q already mounted at %q", e.Name, e.Point)
}

// MountFailureError reports which mount broke a MountAll plan. By the
// time the caller sees it, every module the plan had mounted has been
// cleaned up again.
type MountFailureError struct {
	Point string
	Name  string
	Cause error
}

func (e *MountFailureError) Error() string {
	return fmt.Sprintf("mount %s/%s failed: %v", e.Point, e.Name, e.Cause)
}

func (e *MountFailureError) Unwrap() error {
	return e.Cause
}
