package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"conductor/pkg/hooks"
	"conductor/pkg/host"
	"conductor/pkg/profile"
	"conductor/pkg/provider/anthropic"
	"conductor/pkg/provider/gemini"
	"conductor/pkg/provider/ollama"
	"conductor/pkg/provider/openai"
	"conductor/pkg/tools"
)

// decodeConfig maps a profile config block onto a module's typed config
// through its JSON tags. Unknown keys are ignored, matching how profiles
// pass sections through.
func decodeConfig[T any](cfg map[string]any) (T, error) {
	var out T
	if len(cfg) == 0 {
		return out, nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return out, fmt.Errorf("failed to encode module config: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode module config: %w", err)
	}
	return out, nil
}

// registerBuiltins fills the catalog with the modules shipped in-tree:
// the four providers, the filesystem/shell/web tools, the audit and
// usage hooks and the agent preset module.
func (k *Kernel) registerBuiltins() {
	k.catalog.Register("anthropic", func(_ context.Context, _ *host.Coordinator, cfg map[string]any) (any, host.CleanupFunc, error) {
		c, err := decodeConfig[anthropic.Config](cfg)
		if err != nil {
			return nil, nil, err
		}
		p, err := anthropic.New(c)
		return p, nil, err
	})
	k.catalog.Register("openai", func(_ context.Context, _ *host.Coordinator, cfg map[string]any) (any, host.CleanupFunc, error) {
		c, err := decodeConfig[openai.Config](cfg)
		if err != nil {
			return nil, nil, err
		}
		p, err := openai.New(c)
		return p, nil, err
	})
	k.catalog.Register("gemini", func(_ context.Context, _ *host.Coordinator, cfg map[string]any) (any, host.CleanupFunc, error) {
		c, err := decodeConfig[gemini.Config](cfg)
		if err != nil {
			return nil, nil, err
		}
		p, err := gemini.New(c)
		return p, nil, err
	})
	k.catalog.Register("ollama", func(_ context.Context, _ *host.Coordinator, cfg map[string]any) (any, host.CleanupFunc, error) {
		c, err := decodeConfig[ollama.Config](cfg)
		if err != nil {
			return nil, nil, err
		}
		p, err := ollama.New(c)
		return p, nil, err
	})

	type toolConfig struct {
		WorkspaceRoot string `json:"workspace_root,omitempty"`
		TimeoutSecs   int    `json:"timeout_secs,omitempty"`
		MaxSizeBytes  int64  `json:"max_size_bytes,omitempty"`
	}
	toolDefaults := func(cfg map[string]any) (toolConfig, error) {
		c, err := decodeConfig[toolConfig](cfg)
		if err != nil {
			return c, err
		}
		if c.WorkspaceRoot == "" {
			c.WorkspaceRoot = k.cfg.WorkspaceRoot
		}
		if c.TimeoutSecs <= 0 {
			c.TimeoutSecs = k.cfg.ToolTimeoutSecs
		}
		return c, nil
	}

	k.catalog.Register(tools.ToolShell, func(_ context.Context, _ *host.Coordinator, cfg map[string]any) (any, host.CleanupFunc, error) {
		c, err := toolDefaults(cfg)
		if err != nil {
			return nil, nil, err
		}
		return tools.NewShellTool(c.WorkspaceRoot, time.Duration(c.TimeoutSecs)*time.Second), nil, nil
	})
	k.catalog.Register(tools.ToolReadFile, func(_ context.Context, _ *host.Coordinator, cfg map[string]any) (any, host.CleanupFunc, error) {
		c, err := toolDefaults(cfg)
		if err != nil {
			return nil, nil, err
		}
		return tools.NewReadFileTool(c.WorkspaceRoot, c.MaxSizeBytes), nil, nil
	})
	k.catalog.Register(tools.ToolWriteFile, func(_ context.Context, _ *host.Coordinator, cfg map[string]any) (any, host.CleanupFunc, error) {
		c, err := toolDefaults(cfg)
		if err != nil {
			return nil, nil, err
		}
		return tools.NewWriteFileTool(c.WorkspaceRoot, c.MaxSizeBytes), nil, nil
	})
	k.catalog.Register(tools.ToolListFiles, func(_ context.Context, _ *host.Coordinator, cfg map[string]any) (any, host.CleanupFunc, error) {
		c, err := toolDefaults(cfg)
		if err != nil {
			return nil, nil, err
		}
		return tools.NewListFilesTool(c.WorkspaceRoot), nil, nil
	})
	k.catalog.Register(tools.ToolWebFetch, func(_ context.Context, _ *host.Coordinator, cfg map[string]any) (any, host.CleanupFunc, error) {
		c, err := toolDefaults(cfg)
		if err != nil {
			return nil, nil, err
		}
		return tools.NewWebFetchTool(time.Duration(c.TimeoutSecs) * time.Second), nil, nil
	})

	k.catalog.Register("audit", func(_ context.Context, _ *host.Coordinator, _ map[string]any) (any, host.CleanupFunc, error) {
		return hooks.NewAuditHook(k.logger.WithComponent("audit")), nil, nil
	})
	k.catalog.Register("usage", func(_ context.Context, _ *host.Coordinator, _ map[string]any) (any, host.CleanupFunc, error) {
		return hooks.NewUsageHook(k.logger.WithComponent("usage")), nil, nil
	})

	type agentConfig struct {
		Name         string   `json:"name,omitempty"`
		Provider     string   `json:"provider,omitempty"`
		Model        string   `json:"model,omitempty"`
		Instructions string   `json:"instructions,omitempty"`
		Tools        []string `json:"tools,omitempty"`
		MaxTurns     int      `json:"max_turns,omitempty"`
	}
	k.catalog.Register("agent", func(_ context.Context, _ *host.Coordinator, cfg map[string]any) (any, host.CleanupFunc, error) {
		c, err := decodeConfig[agentConfig](cfg)
		if err != nil {
			return nil, nil, err
		}
		return &profile.AgentSpec{
			Name:         c.Name,
			Provider:     c.Provider,
			Model:        c.Model,
			Instructions: c.Instructions,
			Tools:        c.Tools,
			MaxTurns:     c.MaxTurns,
		}, nil, nil
	})
}
