package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// yamlLoader serves profiles from an in-memory map of YAML sources.
type yamlLoader struct {
	docs map[string]string
}

func (l *yamlLoader) Load(ref string) (*Document, error) {
	raw, ok := l.docs[ref]
	if !ok {
		return nil, fmt.Errorf("profile %q not found", ref)
	}
	return parseYAML([]byte(raw))
}

func newResolver(docs map[string]string) *Resolver {
	return NewResolver(&yamlLoader{docs: docs})
}

func TestResolveSingleProfile(t *testing.T) {
	r := newResolver(map[string]string{
		"dev": `
name: dev
version: "1.0"
session:
  provider: anthropic
  model: claude-sonnet-4
  max_turns: 8
  temperature: 0.2
providers:
  - name: anthropic
    config:
      api_key_env: ANTHROPIC_API_KEY
tools:
  - name: shell
  - name: read_file
instructions: |
  Be concise.
`,
	})

	prof, err := r.Resolve("dev")
	require.NoError(t, err)

	assert.Equal(t, "dev", prof.Name)
	assert.Equal(t, "anthropic", prof.Session.Provider)
	assert.Equal(t, "claude-sonnet-4", prof.Session.Model)
	assert.Equal(t, 8, prof.Session.MaxTurns)
	assert.InDelta(t, 0.2, prof.Session.Temperature, 0.001)
	assert.Equal(t, "Be concise.", prof.Instructions)

	require.Len(t, prof.Tools, 2)
	assert.Equal(t, "shell", prof.Tools[0].Name)

	// A ref without an explicit source mounts the module named after it.
	assert.Equal(t, "anthropic", prof.Providers[0].Source)
	assert.Equal(t, "shell", prof.Tools[0].Source)
	assert.Equal(t, "ANTHROPIC_API_KEY", prof.Providers[0].Config["api_key_env"])
}

func TestResolveExtendsChain(t *testing.T) {
	r := newResolver(map[string]string{
		"base": `
name: base
session:
  provider: anthropic
  model: claude-sonnet-4
  max_turns: 10
tools:
  - name: shell
    config:
      timeout_secs: 30
  - name: read_file
instructions: General guidance.
`,
		"team": `
name: team
extends: base
session:
  max_turns: 5
tools:
  - name: write_file
instructions: Team conventions.
`,
		"dev": `
name: dev
extends: team
session:
  model: claude-opus-4
tools:
  - name: shell
    config:
      timeout_secs: 120
`,
	})

	prof, err := r.Resolve("dev")
	require.NoError(t, err)

	// Leaf-most scalar wins; untouched scalars fall through from the root.
	assert.Equal(t, "dev", prof.Name)
	assert.Equal(t, "claude-opus-4", prof.Session.Model)
	assert.Equal(t, "anthropic", prof.Session.Provider)
	assert.Equal(t, 5, prof.Session.MaxTurns)

	// shell keeps its base position but carries the leaf's definition;
	// write_file appends after the base entries.
	require.Len(t, prof.Tools, 3)
	assert.Equal(t, "shell", prof.Tools[0].Name)
	assert.Equal(t, 120, prof.Tools[0].Config["timeout_secs"])
	assert.Equal(t, "read_file", prof.Tools[1].Name)
	assert.Equal(t, "write_file", prof.Tools[2].Name)

	assert.Equal(t, "General guidance.\n\nTeam conventions.", prof.Instructions)
}

func TestModuleOverrideReplacesWholesale(t *testing.T) {
	base := &Document{
		Tools: []ModuleRef{
			{Name: "shell", Config: map[string]any{"timeout_secs": 30, "workdir": "/srv"}},
			{Name: "read_file"},
		},
	}
	overlay := &Document{
		Tools: []ModuleRef{
			{Name: "shell", Config: map[string]any{"timeout_secs": 60}},
		},
	}

	merged := mergeDocuments(base, overlay)

	require.Len(t, merged.Tools, 2)
	assert.Equal(t, "shell", merged.Tools[0].Name)
	assert.Equal(t, 60, merged.Tools[0].Config["timeout_secs"])
	// Replacement is wholesale: config keys the override omits are gone.
	_, kept := merged.Tools[0].Config["workdir"]
	assert.False(t, kept)
}

func TestMergeAssociativity(t *testing.T) {
	a := &Document{
		Name:    "a",
		Session: map[string]any{"max_turns": 10, "provider": "anthropic"},
		Tools: []ModuleRef{
			{Name: "shell", Config: map[string]any{"timeout_secs": 30}},
			{Name: "read_file"},
		},
		Extra:        map[string]any{"mcp": map[string]any{"servers": []any{"alpha"}}},
		Instructions: "A.",
	}
	b := &Document{
		Name:    "b",
		Session: map[string]any{"max_turns": 5},
		Tools: []ModuleRef{
			{Name: "write_file"},
			{Name: "shell", Config: map[string]any{"timeout_secs": 60}},
		},
		Instructions: "B.",
	}
	c := &Document{
		Session:      map[string]any{"model": "claude-opus-4"},
		Tools:        []ModuleRef{{Name: "read_file", Config: map[string]any{"limit": 100}}},
		Extra:        map[string]any{"mcp": map[string]any{"servers": []any{"beta"}}},
		Instructions: "C.",
	}

	left := mergeDocuments(mergeDocuments(a, b), c)
	right := mergeDocuments(a, mergeDocuments(b, c))

	assert.Equal(t, left, right)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	base := &Document{
		Session: map[string]any{"max_turns": 10},
		Tools:   []ModuleRef{{Name: "shell"}},
	}
	overlay := &Document{
		Session: map[string]any{"max_turns": 3},
		Tools:   []ModuleRef{{Name: "shell", Config: map[string]any{"timeout_secs": 5}}},
	}

	_ = mergeDocuments(base, overlay)

	assert.Equal(t, 10, base.Session["max_turns"])
	assert.Nil(t, base.Tools[0].Config)
}

func TestCyclicInheritance(t *testing.T) {
	r := newResolver(map[string]string{
		"a": "name: a\nextends: b\n",
		"b": "name: b\nextends: a\n",
	})

	_, err := r.Resolve("a")
	require.Error(t, err)

	var cycErr *CyclicInheritanceError
	require.ErrorAs(t, err, &cycErr)
	assert.Equal(t, []string{"a", "b", "a"}, cycErr.Chain)
}

func TestSelfExtension(t *testing.T) {
	r := newResolver(map[string]string{
		"loop": "name: loop\nextends: loop\n",
	})

	_, err := r.Resolve("loop")
	var cycErr *CyclicInheritanceError
	require.ErrorAs(t, err, &cycErr)
}

func TestDiamondInheritanceIsNotACycle(t *testing.T) {
	r := newResolver(map[string]string{
		"root": "name: root\nsession:\n  provider: anthropic\n",
		"left": "name: left\nextends: root\nsession:\n  max_turns: 4\n",
		"right": `
name: right
extends: root
session:
  model: claude-opus-4
`,
		"leaf": "name: leaf\nextends: [left, right]\n",
	})

	prof, err := r.Resolve("leaf")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", prof.Session.Provider)
	assert.Equal(t, 4, prof.Session.MaxTurns)
	assert.Equal(t, "claude-opus-4", prof.Session.Model)
}

func TestMultipleParentsLaterWins(t *testing.T) {
	r := newResolver(map[string]string{
		"p1":    "name: p1\nsession:\n  provider: openai\n  max_turns: 3\n",
		"p2":    "name: p2\nsession:\n  provider: anthropic\n",
		"child": "name: child\nextends: [p1, p2]\n",
	})

	prof, err := r.Resolve("child")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", prof.Session.Provider)
	assert.Equal(t, 3, prof.Session.MaxTurns)
}

func TestResolutionErrorOnMissingParent(t *testing.T) {
	r := newResolver(map[string]string{
		"dev": "name: dev\nextends: nowhere\n",
	})

	_, err := r.Resolve("dev")
	require.Error(t, err)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "nowhere", resErr.Ref)
	assert.NotNil(t, errors.Unwrap(resErr))
}

func TestUnknownSectionPassthrough(t *testing.T) {
	r := newResolver(map[string]string{
		"base": `
name: base
telemetry:
  endpoint: http://localhost:4317
  sample_rate: 0.5
`,
		"dev": `
name: dev
extends: base
telemetry:
  endpoint: http://collector:4317
`,
	})

	prof, err := r.Resolve("dev")
	require.NoError(t, err)

	section, ok := prof.Extra["telemetry"].(map[string]any)
	require.True(t, ok, "unknown section should survive resolution")
	assert.Equal(t, "http://collector:4317", section["endpoint"])
	// Sections are opaque, so the override replaces the whole section.
	_, kept := section["sample_rate"]
	assert.False(t, kept)
}

func TestAgentsSection(t *testing.T) {
	r := newResolver(map[string]string{
		"dev": `
name: dev
agents:
  - name: reviewer
    config:
      provider: anthropic
      instructions: Review carefully.
      tools: [read_file, list_files]
`,
	})

	prof, err := r.Resolve("dev")
	require.NoError(t, err)

	ref, ok := prof.Agent("reviewer")
	require.True(t, ok)
	assert.Equal(t, "anthropic", ref.Config["provider"])
}

func TestEnvSubstitutionInConfigValues(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_TOKEN", "tok-123")
	t.Setenv("CONDUCTOR_TEST_MODEL", "claude-opus-4")

	r := newResolver(map[string]string{
		"dev": `
name: dev
session:
  model: ${CONDUCTOR_TEST_MODEL}
providers:
  - name: anthropic
    config:
      token: ${CONDUCTOR_TEST_TOKEN}
      price: costs $5 per run
      missing: ${CONDUCTOR_TEST_UNSET}
instructions: literal ${CONDUCTOR_TEST_TOKEN} stays
`,
	})

	prof, err := r.Resolve("dev")
	require.NoError(t, err)

	assert.Equal(t, "claude-opus-4", prof.Session.Model)
	assert.Equal(t, "tok-123", prof.Providers[0].Config["token"])
	// Bare dollars are not references.
	assert.Equal(t, "costs $5 per run", prof.Providers[0].Config["price"])
	// Unset references expand to empty rather than erroring.
	assert.Equal(t, "", prof.Providers[0].Config["missing"])
	// Instructions are prompt text, never substituted.
	assert.Equal(t, "literal ${CONDUCTOR_TEST_TOKEN} stays", prof.Instructions)
}

func TestResolvedProfileIsIsolated(t *testing.T) {
	docs := map[string]string{
		"dev": `
name: dev
providers:
  - name: anthropic
    config:
      nested:
        key: original
`,
	}
	r := newResolver(docs)

	first, err := r.Resolve("dev")
	require.NoError(t, err)

	nested := first.Providers[0].Config["nested"].(map[string]any)
	nested["key"] = "mutated"

	second, err := r.Resolve("dev")
	require.NoError(t, err)
	assert.Equal(t, "original", second.Providers[0].Config["nested"].(map[string]any)["key"])
}

func TestStringOrListForms(t *testing.T) {
	scalar, err := parseYAML([]byte("name: a\nextends: base\n"))
	require.NoError(t, err)
	assert.Equal(t, StringOrList{"base"}, scalar.Extends)

	list, err := parseYAML([]byte("name: a\nextends: [one, two]\n"))
	require.NoError(t, err)
	assert.Equal(t, StringOrList{"one", "two"}, list.Extends)
}

func TestDirLoaderYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dev.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: dev\nversion: \"2\"\n"), 0o644))

	loader := NewDirLoader(dir)
	doc, err := loader.Load("dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", doc.Name)

	// Explicit paths bypass the search directories.
	doc, err = loader.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2", doc.Version)

	_, err = loader.Load("absent")
	assert.Error(t, err)
}

func TestDirLoaderMarkdownFrontmatter(t *testing.T) {
	dir := t.TempDir()
	content := `---
name: reviewer
session:
  provider: anthropic
---

You are a careful reviewer.
Flag risky changes.
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reviewer.md"), []byte(content), 0o644))

	prof, err := NewResolver(NewDirLoader(dir)).Resolve("reviewer")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", prof.Name)
	assert.Equal(t, "anthropic", prof.Session.Provider)
	assert.Equal(t, "You are a careful reviewer.\nFlag risky changes.", prof.Instructions)
}

func TestMarkdownMissingFrontmatter(t *testing.T) {
	_, err := parseMarkdown("just a body, no fences")
	assert.Error(t, err)

	_, err = parseMarkdown("---\nname: x\nnever closed")
	assert.Error(t, err)
}
