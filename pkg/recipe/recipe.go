// Package recipe executes declarative multi-stage workflows. A recipe
// document names an ordered list of stages; each stage is one
// orchestration-loop invocation over the session's accumulated context,
// or an inlined sub-recipe. Stages can gate on human approval, and every
// completed stage commits a durable checkpoint so an interrupted session
// resumes without re-executing finished work.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Deny policies applied when a gated stage is denied.
const (
	DenyAbort = "abort"
	DenySkip  = "skip"
)

// MaxNestingDepth bounds sub-recipe inlining. The root document is depth
// one.
const MaxNestingDepth = 3

// Recipe is one parsed workflow document.
type Recipe struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version,omitempty"`
	Description string   `yaml:"description,omitempty"`
	DenyPolicy  string   `yaml:"deny_policy,omitempty"`
	Defaults    Defaults `yaml:"defaults,omitempty"`
	Stages      []Stage  `yaml:"stages"`
}

// Defaults apply to stages that do not set their own values.
type Defaults struct {
	Provider string `yaml:"provider,omitempty"`
	MaxTurns int    `yaml:"max_turns,omitempty"`
}

// Stage is one step of a recipe. Exactly one of Prompt and Recipe is set:
// a prompt stage runs one orchestration loop, a recipe stage inlines the
// referenced sub-recipe's stages.
type Stage struct {
	Name             string            `yaml:"name"`
	Prompt           string            `yaml:"prompt,omitempty"`
	Recipe           string            `yaml:"recipe,omitempty"`
	Provider         string            `yaml:"provider,omitempty"`
	MaxTurns         int               `yaml:"max_turns,omitempty"`
	Tools            []string          `yaml:"tools,omitempty"`
	RequiresApproval bool              `yaml:"requires_approval,omitempty"`
	DenyPolicy       string            `yaml:"deny_policy,omitempty"`
	Vars             map[string]string `yaml:"vars,omitempty"`
}

// Load parses and structurally validates the recipe document at path.
// Sub-recipe references are checked later, when the plan is flattened.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse recipe %s: %w", path, err)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("invalid recipe %s: %w", path, err)
	}
	return &r, nil
}

// Validate parses the document at path, inlines its sub-recipes and runs
// every structural check without executing anything.
func Validate(path string) error {
	_, _, err := plan(path)
	return err
}

func (r *Recipe) validate() error {
	if r.Name == "" {
		return fmt.Errorf("recipe has no name")
	}
	if len(r.Stages) == 0 {
		return fmt.Errorf("recipe %q has no stages", r.Name)
	}
	if err := checkDenyPolicy(r.DenyPolicy); err != nil {
		return err
	}
	seen := make(map[string]bool, len(r.Stages))
	for i := range r.Stages {
		st := &r.Stages[i]
		if st.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if seen[st.Name] {
			return fmt.Errorf("duplicate stage name %q", st.Name)
		}
		seen[st.Name] = true
		if (st.Prompt == "") == (st.Recipe == "") {
			return fmt.Errorf("stage %q must set exactly one of prompt and recipe", st.Name)
		}
		if err := checkDenyPolicy(st.DenyPolicy); err != nil {
			return fmt.Errorf("stage %q: %w", st.Name, err)
		}
		if st.MaxTurns < 0 {
			return fmt.Errorf("stage %q: max_turns must not be negative", st.Name)
		}
		if err := checkVarSyntax(st.Prompt); err != nil {
			return fmt.Errorf("stage %q: %w", st.Name, err)
		}
	}
	return nil
}

func checkDenyPolicy(policy string) error {
	switch policy {
	case "", DenyAbort, DenySkip:
		return nil
	default:
		return fmt.Errorf("unknown deny policy %q", policy)
	}
}

// execStage is one flattened, executable stage. Sub-recipes are expanded
// at plan time so checkpoints and approvals address stages by a stable
// index into this list.
type execStage struct {
	name             string
	prompt           string
	provider         string
	maxTurns         int
	tools            []string
	requiresApproval bool
	denyPolicy       string
	vars             map[string]string
}

// plan loads the recipe at path and flattens it into the executable stage
// list, resolving defaults and inlining sub-recipes.
func plan(path string) (*Recipe, []execStage, error) {
	r, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	stages, err := flatten(r, filepath.Dir(path), 1)
	if err != nil {
		return nil, nil, err
	}
	if err := finalize(r, stages); err != nil {
		return nil, nil, err
	}
	return r, stages, nil
}

// flatten resolves stage fields against the enclosing recipe and inlines
// sub-recipes. Fields still empty afterwards inherit from the referencing
// stage one level up; finalize applies the last defaults.
func flatten(r *Recipe, baseDir string, depth int) ([]execStage, error) {
	if depth > MaxNestingDepth {
		return nil, fmt.Errorf("recipe %q exceeds nesting depth %d (check for sub-recipe cycles)", r.Name, MaxNestingDepth)
	}

	var out []execStage
	for i := range r.Stages {
		st := &r.Stages[i]
		denyPolicy := st.DenyPolicy
		if denyPolicy == "" {
			denyPolicy = r.DenyPolicy
		}
		provider := st.Provider
		if provider == "" {
			provider = r.Defaults.Provider
		}
		maxTurns := st.MaxTurns
		if maxTurns == 0 {
			maxTurns = r.Defaults.MaxTurns
		}

		if st.Recipe == "" {
			out = append(out, execStage{
				name:             st.Name,
				prompt:           st.Prompt,
				provider:         provider,
				maxTurns:         maxTurns,
				tools:            st.Tools,
				requiresApproval: st.RequiresApproval,
				denyPolicy:       denyPolicy,
				vars:             st.Vars,
			})
			continue
		}

		subPath := st.Recipe
		if !filepath.IsAbs(subPath) {
			subPath = filepath.Join(baseDir, subPath)
		}
		sub, err := Load(subPath)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", st.Name, err)
		}
		subStages, err := flatten(sub, filepath.Dir(subPath), depth+1)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", st.Name, err)
		}
		for j := range subStages {
			child := &subStages[j]
			child.name = st.Name + "/" + child.name
			if child.provider == "" {
				child.provider = provider
			}
			if child.maxTurns == 0 {
				child.maxTurns = maxTurns
			}
			if len(child.tools) == 0 {
				child.tools = st.Tools
			}
			if child.denyPolicy == "" {
				child.denyPolicy = denyPolicy
			}
			child.vars = mergeVars(st.Vars, child.vars)
		}
		// Gating the referencing stage gates entry into the sub-recipe.
		if st.RequiresApproval && len(subStages) > 0 {
			subStages[0].requiresApproval = true
		}
		out = append(out, subStages...)
	}
	return out, nil
}

// finalize applies terminal defaults and the checks only the fully
// flattened plan can make.
func finalize(r *Recipe, stages []execStage) error {
	for i := range stages {
		st := &stages[i]
		if st.provider == "" {
			return fmt.Errorf("stage %q names no provider and recipe %q declares no default", st.name, r.Name)
		}
		if st.denyPolicy == "" {
			st.denyPolicy = DenyAbort
		}
	}
	return nil
}

// mergeVars overlays child entries on base without mutating either map.
func mergeVars(base, child map[string]string) map[string]string {
	if len(base) == 0 {
		return child
	}
	merged := make(map[string]string, len(base)+len(child))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}

// varPattern matches a well-formed ${name} reference.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// varScan matches anything that starts like a reference, so malformed
// ones surface at validation instead of leaking into prompts.
var varScan = regexp.MustCompile(`\$\{[^}]*\}?`)

func checkVarSyntax(text string) error {
	for _, ref := range varScan.FindAllString(text, -1) {
		if varPattern.FindString(ref) != ref {
			return fmt.Errorf("malformed variable reference %q", ref)
		}
	}
	return nil
}

// interpolate substitutes ${name} references from vars. Unresolved
// references fail the stage rather than reaching the provider verbatim.
func interpolate(text string, vars map[string]string) (string, error) {
	var missing []string
	out := varPattern.ReplaceAllStringFunc(text, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return ref
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
