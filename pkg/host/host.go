// Package host mounts and unmounts runtime modules: providers, tools,
// hooks, context managers and orchestrators declared by a resolved
// profile. The coordinator owns instance lifecycles; module packages
// export plain constructors and stay unaware of the mounting machinery.
package host

import (
	"context"
)

// Mount points wired by the kernel. Points are open-ended strings, so
// embedders can introduce their own alongside these.
const (
	PointProviders    = "providers"
	PointTools        = "tools"
	PointHooks        = "hooks"
	PointContext      = "context"
	PointAgents       = "agents"
	PointOrchestrator = "orchestrator"
)

// InitFunc is a module entry point. It receives the coordinator so the
// module can look up already-mounted dependencies, and the config map
// from the profile's module ref. It returns the live instance and an
// optional cleanup; a nil cleanup means nothing to release.
type InitFunc func(ctx context.Context, h *Coordinator, cfg map[string]any) (any, CleanupFunc, error)

// CleanupFunc releases whatever the module's init acquired.
type CleanupFunc func(ctx context.Context) error

// Handle identifies one mounted instance.
type Handle struct {
	Point    string
	Name     string
	Instance any
}

// MountRequest is one entry in a MountAll plan.
type MountRequest struct {
	Point  string
	Name   string
	Init   InitFunc
	Config map[string]any
}
