package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"conductor/pkg/logx"
)

type entryState int

const (
	stateInitializing entryState = iota
	stateMounted
	stateCleaned
)

type mountEntry struct {
	handle  Handle
	cleanup CleanupFunc
	state   entryState
}

// Coordinator is the mutex-guarded registry of mounted module instances.
// Init and cleanup functions run outside the lock, so a module's init may
// call back into Get to fetch dependencies mounted before it.
type Coordinator struct {
	mu     sync.Mutex
	logger *logx.Logger
	byKey  map[string]*mountEntry
	order  []*mountEntry
	closed bool
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *logx.Logger) *Coordinator {
	if logger == nil {
		logger = logx.NewLogger("host")
	}
	return &Coordinator{
		logger: logger,
		byKey:  make(map[string]*mountEntry),
	}
}

func mountKey(point, name string) string {
	return point + "/" + name
}

// Mount initializes a module and registers it at (point, name). The init
// runs exactly once; if the pair is already mounted the init is not
// invoked and a DuplicateMountError is returned.
func (c *Coordinator) Mount(ctx context.Context, point, name string, init InitFunc, cfg map[string]any) (Handle, error) {
	key := mountKey(point, name)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Handle{}, ErrClosed
	}
	if _, exists := c.byKey[key]; exists {
		c.mu.Unlock()
		return Handle{}, &DuplicateMountError{Point: point, Name: name}
	}
	// Reserve the slot before running init, so a concurrent mount of the
	// same pair fails fast instead of racing two inits.
	entry := &mountEntry{
		handle: Handle{Point: point, Name: name},
		state:  stateInitializing,
	}
	c.byKey[key] = entry
	c.mu.Unlock()

	instance, cleanup, err := init(ctx, c, cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.byKey, key)
		return Handle{}, fmt.Errorf("mount %s/%s: %w", point, name, err)
	}
	entry.handle.Instance = instance
	entry.cleanup = cleanup
	entry.state = stateMounted
	c.order = append(c.order, entry)

	c.logger.Debug("mounted %s/%s", point, name)
	return entry.handle, nil
}

// Get returns the instance mounted at (point, name).
func (c *Coordinator) Get(point, name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.byKey[mountKey(point, name)]
	if !ok || entry.state != stateMounted {
		return nil, fmt.Errorf("%s/%s: %w", point, name, ErrNotMounted)
	}
	return entry.handle.Instance, nil
}

// List returns the handles mounted at a point, in mount order.
func (c *Coordinator) List(point string) []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	var handles []Handle
	for _, entry := range c.order {
		if entry.state == stateMounted && entry.handle.Point == point {
			handles = append(handles, entry.handle)
		}
	}
	return handles
}

// Unmount removes (point, name) and runs its cleanup exactly once.
func (c *Coordinator) Unmount(ctx context.Context, point, name string) error {
	key := mountKey(point, name)

	c.mu.Lock()
	entry, ok := c.byKey[key]
	if !ok || entry.state != stateMounted {
		c.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", point, name, ErrNotMounted)
	}
	entry.state = stateCleaned
	delete(c.byKey, key)
	c.mu.Unlock()

	c.logger.Debug("unmounted %s/%s", point, name)
	if entry.cleanup == nil {
		return nil
	}
	if err := entry.cleanup(ctx); err != nil {
		return fmt.Errorf("cleanup %s/%s: %w", point, name, err)
	}
	return nil
}

// MountAll mounts a plan sequentially. On the first failure it unwinds
// the modules it already mounted, newest first, and reports the failing
// mount; the coordinator ends up exactly as it was before the call.
func (c *Coordinator) MountAll(ctx context.Context, plan []MountRequest) ([]Handle, error) {
	mounted := make([]Handle, 0, len(plan))
	for _, req := range plan {
		handle, err := c.Mount(ctx, req.Point, req.Name, req.Init, req.Config)
		if err != nil {
			for i := len(mounted) - 1; i >= 0; i-- {
				h := mounted[i]
				if uerr := c.Unmount(ctx, h.Point, h.Name); uerr != nil {
					c.logger.Warn("rollback of %s/%s failed: %v", h.Point, h.Name, uerr)
				}
			}
			return nil, &MountFailureError{Point: req.Point, Name: req.Name, Cause: err}
		}
		mounted = append(mounted, handle)
	}
	return mounted, nil
}

// Shutdown runs every outstanding cleanup in reverse mount order. Each
// cleanup runs at most once across Unmount and Shutdown; repeated calls
// are no-ops. Teardown never stops early; failures are joined.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	var pending []*mountEntry
	for i := len(c.order) - 1; i >= 0; i-- {
		entry := c.order[i]
		if entry.state != stateMounted {
			continue
		}
		entry.state = stateCleaned
		delete(c.byKey, mountKey(entry.handle.Point, entry.handle.Name))
		pending = append(pending, entry)
	}
	c.mu.Unlock()

	var errs []error
	for _, entry := range pending {
		if entry.cleanup == nil {
			continue
		}
		if err := entry.cleanup(ctx); err != nil {
			c.logger.Warn("cleanup %s/%s failed: %v", entry.handle.Point, entry.handle.Name, err)
			errs = append(errs, fmt.Errorf("cleanup %s/%s: %w", entry.handle.Point, entry.handle.Name, err))
		}
	}
	return errors.Join(errs...)
}

// GetAs fetches a mounted instance and asserts its type.
func GetAs[T any](c *Coordinator, point, name string) (T, error) {
	var zero T
	v, err := c.Get(point, name)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("module %s/%s has unexpected type %T", point, name, v)
	}
	return typed, nil
}
