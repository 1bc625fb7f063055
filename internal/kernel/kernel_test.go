package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
	"conductor/pkg/host"
	"conductor/pkg/llm"
	"conductor/pkg/loop"
)

// scriptedProvider answers without tool calls so RunPrompt completes in
// one turn.
type scriptedProvider struct {
	calls int
	reply string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	p.calls++
	return &llm.Response{
		Content: p.reply,
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644))
}

func newTestKernel(t *testing.T, profileDir string) *Kernel {
	t.Helper()
	cfg := &config.Config{
		StateDir:      filepath.Join(t.TempDir(), "state"),
		ProfileDirs:   []string{profileDir},
		WorkspaceRoot: t.TempDir(),
	}
	k, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })
	return k
}

const testProfile = `
name: test
session:
  provider: main
  max_turns: 3
providers:
  - name: main
    source: fake
tools:
  - name: list_files
hooks:
  - name: audit
`

func TestMountProfileAndRunPrompt(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "test", testProfile)

	k := newTestKernel(t, dir)
	fake := &scriptedProvider{reply: "all done"}
	k.Catalog().Register("fake", func(context.Context, *host.Coordinator, map[string]any) (any, host.CleanupFunc, error) {
		return fake, nil, nil
	})

	ctx := context.Background()
	require.NoError(t, k.MountProfile(ctx, "test"))

	// The profile's modules and the orchestrator are all mounted.
	_, err := k.Coordinator().Get(host.PointProviders, "main")
	require.NoError(t, err)
	_, err = k.Coordinator().Get(host.PointTools, "list_files")
	require.NoError(t, err)
	_, err = k.Coordinator().Get(host.PointOrchestrator, OrchestratorName)
	require.NoError(t, err)

	result, err := k.RunPrompt(ctx, "say hi")
	require.NoError(t, err)
	assert.Equal(t, loop.OutcomeCompleted, result.Outcome)
	assert.Equal(t, "all done", result.Content)
	assert.Equal(t, 1, fake.calls)
}

func TestMountProfileUnknownSourceFails(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bad", `
name: bad
providers:
  - name: main
    source: no-such-module
`)

	k := newTestKernel(t, dir)
	err := k.MountProfile(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-module")
	// Plan construction fails before anything mounts.
	assert.Empty(t, k.Coordinator().List(host.PointOrchestrator))
}

func TestRunPromptWithoutProfile(t *testing.T) {
	k := newTestKernel(t, t.TempDir())
	_, err := k.RunPrompt(context.Background(), "hello")
	require.Error(t, err)

	_, err = k.Recipes()
	require.Error(t, err)
}

func TestAgentPresetOverridesSession(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "agents", `
name: agents
session:
  provider: main
  agent: reviewer
providers:
  - name: main
    source: fake
  - name: alt
    source: fake-alt
tools:
  - name: list_files
  - name: read_file
agents:
  - name: reviewer
    source: agent
    config:
      provider: alt
      instructions: Review carefully.
      tools: [read_file]
      max_turns: 2
`)

	k := newTestKernel(t, dir)
	main := &scriptedProvider{reply: "main"}
	alt := &scriptedProvider{reply: "from alt"}
	k.Catalog().Register("fake", func(context.Context, *host.Coordinator, map[string]any) (any, host.CleanupFunc, error) {
		return main, nil, nil
	})
	k.Catalog().Register("fake-alt", func(context.Context, *host.Coordinator, map[string]any) (any, host.CleanupFunc, error) {
		return alt, nil, nil
	})

	ctx := context.Background()
	require.NoError(t, k.MountProfile(ctx, "agents"))

	result, err := k.RunPrompt(ctx, "review this")
	require.NoError(t, err)
	assert.Equal(t, "from alt", result.Content)
	assert.Equal(t, 0, main.calls, "agent preset selects the alt provider")
	assert.Equal(t, 1, alt.calls)
}

func TestShutdownIsIdempotent(t *testing.T) {
	k := newTestKernel(t, t.TempDir())
	require.NoError(t, k.Shutdown(context.Background()))
	require.NoError(t, k.Shutdown(context.Background()))
}

func TestMountFailureCleansUpEarlierModules(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "rollback", `
name: rollback
providers:
  - name: ok
    source: fake-ok
  - name: broken
    source: fake-broken
`)

	k := newTestKernel(t, dir)
	var cleanups int
	k.Catalog().Register("fake-ok", func(context.Context, *host.Coordinator, map[string]any) (any, host.CleanupFunc, error) {
		return &scriptedProvider{}, func(context.Context) error {
			cleanups++
			return nil
		}, nil
	})
	k.Catalog().Register("fake-broken", func(context.Context, *host.Coordinator, map[string]any) (any, host.CleanupFunc, error) {
		return nil, nil, fmt.Errorf("init exploded")
	})

	err := k.MountProfile(context.Background(), "rollback")
	require.Error(t, err)
	assert.Equal(t, 1, cleanups, "mounted provider torn down exactly once")
	assert.Empty(t, k.Coordinator().List(host.PointProviders))
}
