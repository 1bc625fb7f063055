// Package kernel assembles the host runtime: configuration, logging,
// persistence, metrics, the module catalog and the coordinator. One
// Kernel serves one process. Every handle it builds is explicit and
// scoped to the Kernel's lifetime; nothing here is process-global.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/config"
	"conductor/pkg/contextmgr"
	"conductor/pkg/dispatch"
	"conductor/pkg/hooks"
	"conductor/pkg/host"
	"conductor/pkg/llm"
	"conductor/pkg/llm/retry"
	"conductor/pkg/logx"
	"conductor/pkg/loop"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/profile"
	"conductor/pkg/recipe"
	"conductor/pkg/tools"
)

// OrchestratorName is the mount name of the orchestration loop on
// PointOrchestrator.
const OrchestratorName = "loop"

// shutdownGrace bounds teardown when the caller's context has no
// deadline of its own.
const shutdownGrace = 30 * time.Second

// Kernel owns the shared infrastructure of one host process.
type Kernel struct {
	cfg      *config.Config
	logger   *logx.Logger
	store    *persistence.Store
	recorder metrics.Recorder
	catalog  *host.Catalog
	coord    *host.Coordinator
	resolver *profile.Resolver

	mu       sync.Mutex
	prof     *profile.Profile
	emitter  *hooks.Emitter
	recipes  *recipe.Manager
	shutdown bool
}

// New opens persistence and builds the catalog and coordinator. The
// recorder may be nil to disable metrics.
func New(cfg *config.Config, recorder metrics.Recorder) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	if err := cfg.EnsureStateDir(); err != nil {
		return nil, err
	}

	logger := logx.NewLogger("kernel")
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence: %w", err)
	}

	k := &Kernel{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		recorder: recorder,
		catalog:  host.NewCatalog(),
		coord:    host.NewCoordinator(logger.WithComponent("host")),
		resolver: profile.NewResolver(profile.NewDirLoader(cfg.ProfileDirs...)),
	}
	k.registerBuiltins()
	return k, nil
}

// Coordinator exposes the mount registry, mainly for tests and embedders.
func (k *Kernel) Coordinator() *host.Coordinator { return k.coord }

// Catalog exposes the module catalog so embedders can register their own
// modules before MountProfile.
func (k *Kernel) Catalog() *host.Catalog { return k.catalog }

// Store exposes the persistence handle.
func (k *Kernel) Store() *persistence.Store { return k.store }

// Profile returns the mounted profile, or nil before MountProfile.
func (k *Kernel) Profile() *profile.Profile {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.prof
}

// MountProfile resolves ref and mounts every module it declares,
// all-or-nothing. On success the hook emitter and the recipe manager are
// (re)built over the mounted set, and sessions a previous process left
// running are swept to interrupted.
func (k *Kernel) MountProfile(ctx context.Context, ref string) error {
	p, err := k.resolver.Resolve(ref)
	if err != nil {
		return err
	}

	plan, err := k.plan(p)
	if err != nil {
		return err
	}
	if _, err := k.coord.MountAll(ctx, plan); err != nil {
		return err
	}

	handles := k.coord.List(host.PointHooks)
	mounted := make([]hooks.Hook, 0, len(handles))
	for _, h := range handles {
		hook, ok := h.Instance.(hooks.Hook)
		if !ok {
			return fmt.Errorf("mounted hook %s does not implement the hook contract", h.Name)
		}
		mounted = append(mounted, hook)
	}
	emitter := hooks.NewEmitter(mounted, k.logger.WithComponent("hooks"))

	manager, err := recipe.NewManager(recipe.Deps{
		Store:       k.store,
		Coordinator: k.coord,
		Orchestrator: func() (*loop.Orchestrator, error) {
			return host.GetAs[*loop.Orchestrator](k.coord, host.PointOrchestrator, OrchestratorName)
		},
		Emitter:  emitter,
		Logger:   k.logger.WithComponent("recipe"),
		Recorder: k.recorder,
	})
	if err != nil {
		return err
	}

	swept, err := manager.MarkInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep stale sessions: %w", err)
	}
	if swept > 0 {
		k.logger.Warn("marked %d stale session(s) interrupted; resume with 'recipe resume'", swept)
	}

	k.mu.Lock()
	k.prof = p
	k.emitter = emitter
	k.recipes = manager
	k.mu.Unlock()

	k.logger.Info("profile %s mounted: %d providers, %d tools, %d hooks, %d agents",
		p.Name, len(p.Providers), len(p.Tools), len(p.Hooks), len(p.Agents))
	return nil
}

// plan turns a resolved profile into the coordinator's mount plan. The
// orchestrator mounts first so later modules can depend on it; providers,
// tools, hooks and agents follow in profile order.
func (k *Kernel) plan(p *profile.Profile) ([]host.MountRequest, error) {
	plan := []host.MountRequest{{
		Point: host.PointOrchestrator,
		Name:  OrchestratorName,
		Init: func(context.Context, *host.Coordinator, map[string]any) (any, host.CleanupFunc, error) {
			return loop.New(k.logger.WithComponent("loop"), k.recorder), nil, nil
		},
	}}

	sections := []struct {
		point string
		refs  []profile.ModuleRef
	}{
		{host.PointProviders, p.Providers},
		{host.PointTools, p.Tools},
		{host.PointHooks, p.Hooks},
		{host.PointAgents, p.Agents},
	}
	for _, section := range sections {
		for _, ref := range section.refs {
			source := ref.Source
			if source == "" {
				source = ref.Name
			}
			init, err := k.catalog.Resolve(source)
			if err != nil {
				return nil, fmt.Errorf("%s module %q: %w", section.point, ref.Name, err)
			}
			cfg := make(map[string]any, len(ref.Config)+1)
			for key, value := range ref.Config {
				cfg[key] = value
			}
			if _, ok := cfg["name"]; !ok {
				cfg["name"] = ref.Name
			}
			plan = append(plan, host.MountRequest{
				Point:  section.point,
				Name:   ref.Name,
				Init:   init,
				Config: cfg,
			})
		}
	}
	return plan, nil
}

// Recipes returns the recipe manager. MountProfile must have succeeded.
func (k *Kernel) Recipes() (*recipe.Manager, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.recipes == nil {
		return nil, errors.New("no profile mounted")
	}
	return k.recipes, nil
}

// RunPrompt drives one prompt through the orchestration loop using the
// mounted profile's session defaults.
func (k *Kernel) RunPrompt(ctx context.Context, prompt string) (*loop.Result, error) {
	k.mu.Lock()
	p := k.prof
	emitter := k.emitter
	k.mu.Unlock()
	if p == nil {
		return nil, errors.New("no profile mounted")
	}

	sess := p.Session
	instructions := p.Instructions
	providerName := sess.Provider
	model := sess.Model
	maxTurns := sess.MaxTurns
	var allow []string

	if sess.Agent != "" {
		spec, err := host.GetAs[*profile.AgentSpec](k.coord, host.PointAgents, sess.Agent)
		if err != nil {
			return nil, fmt.Errorf("session agent %q: %w", sess.Agent, err)
		}
		if spec.Provider != "" {
			providerName = spec.Provider
		}
		if spec.Model != "" {
			model = spec.Model
		}
		if spec.Instructions != "" {
			instructions = spec.Instructions
		}
		if spec.MaxTurns > 0 {
			maxTurns = spec.MaxTurns
		}
		allow = spec.Tools
	}
	if providerName == "" {
		if len(p.Providers) == 0 {
			return nil, errors.New("profile mounts no providers")
		}
		providerName = p.Providers[0].Name
	}

	provider, err := host.GetAs[llm.Provider](k.coord, host.PointProviders, providerName)
	if err != nil {
		return nil, err
	}
	orch, err := host.GetAs[*loop.Orchestrator](k.coord, host.PointOrchestrator, OrchestratorName)
	if err != nil {
		return nil, err
	}
	defs, err := k.toolDefs(allow)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	var source dispatch.Source = &dispatch.CoordinatorSource{Coordinator: k.coord}
	if len(allow) > 0 {
		source = dispatch.NewFilteredSource(source, allow)
	}
	dispatcher := dispatch.New(source, dispatch.Options{
		Timeout:  k.cfg.ToolTimeout(),
		Logger:   k.logger.WithComponent("dispatch"),
		Emitter:  emitter,
		Recorder: k.recorder,
		Session:  sessionID,
	})

	cm := contextmgr.New(model, contextmgr.Limits{
		MaxContextTokens: sess.ContextTokens,
		MaxReplyTokens:   sess.ReplyTokens,
	})
	if instructions != "" {
		cm.AddSystemMessage(instructions)
	}
	cm.AddUserMessage(prompt)

	k.logger.Info("session %s: running prompt on provider %s", sessionID, providerName)
	return orch.Run(ctx, loop.Request{
		Provider:    provider,
		Context:     cm,
		Dispatcher:  dispatcher,
		Emitter:     emitter,
		Tools:       defs,
		Model:       model,
		MaxTurns:    maxTurns,
		MaxTokens:   sess.MaxTokens,
		Temperature: sess.Temperature,
		Session:     sessionID,
		Retry:       retry.Default(),
		CallTimeout: k.cfg.ProviderTimeout(),
	})
}

// toolDefs collects the definitions advertised to the provider.
func (k *Kernel) toolDefs(allow []string) ([]tools.ToolDefinition, error) {
	if len(allow) > 0 {
		defs := make([]tools.ToolDefinition, 0, len(allow))
		for _, name := range allow {
			tool, err := host.GetAs[tools.Tool](k.coord, host.PointTools, name)
			if err != nil {
				return nil, fmt.Errorf("agent allows unknown tool %q: %w", name, err)
			}
			defs = append(defs, tool.Definition())
		}
		return defs, nil
	}
	handles := k.coord.List(host.PointTools)
	defs := make([]tools.ToolDefinition, 0, len(handles))
	for _, h := range handles {
		tool, ok := h.Instance.(tools.Tool)
		if !ok {
			return nil, fmt.Errorf("mounted tool %s does not implement the tool contract", h.Name)
		}
		defs = append(defs, tool.Definition())
	}
	return defs, nil
}

// Shutdown tears the runtime down: modules in reverse mount order first,
// then the store. Safe to call more than once.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return nil
	}
	k.shutdown = true
	k.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		// Teardown must finish even when the run context is already dead.
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
	}

	var errs []error
	if err := k.coord.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := k.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kernel shutdown: %w", err)
	}
	k.logger.Info("kernel shut down")
	return nil
}
