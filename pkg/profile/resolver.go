package profile

import (
	"os"
	"regexp"

	"conductor/pkg/logx"
)

// Resolver flattens profile inheritance chains into immutable Profiles.
type Resolver struct {
	loader Loader
	logger *logx.Logger
}

// NewResolver creates a resolver over the given loader.
func NewResolver(loader Loader) *Resolver {
	return &Resolver{
		loader: loader,
		logger: logx.NewLogger("profile"),
	}
}

// Resolve loads ref and its extends chain depth-first, merges root-most to
// leaf-most, and returns a deep-copied Profile. A missing or unreadable
// document yields a ResolutionError; a loop in the chain yields a
// CyclicInheritanceError without hanging.
func (r *Resolver) Resolve(ref string) (*Profile, error) {
	doc, err := r.resolveDocument(ref, map[string]bool{}, nil)
	if err != nil {
		return nil, err
	}

	prof := finalize(doc)
	r.logger.Debug("resolved profile %s: %d providers, %d tools, %d hooks, %d agents",
		prof.Name, len(prof.Providers), len(prof.Tools), len(prof.Hooks), len(prof.Agents))
	return prof, nil
}

func (r *Resolver) resolveDocument(ref string, visiting map[string]bool, chain []string) (*Document, error) {
	if visiting[ref] {
		return nil, &CyclicInheritanceError{Chain: append(append([]string{}, chain...), ref)}
	}
	visiting[ref] = true
	defer delete(visiting, ref)

	doc, err := r.loader.Load(ref)
	if err != nil {
		return nil, &ResolutionError{Ref: ref, Cause: err}
	}

	if len(doc.Extends) == 0 {
		return doc, nil
	}

	childChain := append(append([]string{}, chain...), ref)
	var base *Document
	for _, parent := range doc.Extends {
		parentDoc, err := r.resolveDocument(parent, visiting, childChain)
		if err != nil {
			return nil, err
		}
		if base == nil {
			base = parentDoc
		} else {
			base = mergeDocuments(base, parentDoc)
		}
	}
	return mergeDocuments(base, doc), nil
}

// finalize turns a merged document into the immutable resolved form:
// sources default to module names, env references expand, and every map
// is deep-copied so the profile shares nothing with loader caches.
func finalize(doc *Document) *Profile {
	prof := &Profile{
		Name:         doc.Name,
		Version:      doc.Version,
		Description:  doc.Description,
		Session:      decodeSession(doc.Session),
		Providers:    finalizeRefs(doc.Providers),
		Tools:        finalizeRefs(doc.Tools),
		Hooks:        finalizeRefs(doc.Hooks),
		Agents:       finalizeRefs(doc.Agents),
		Extra:        deepCopyMap(doc.Extra),
		Instructions: doc.Instructions,
	}
	return prof
}

func finalizeRefs(refs []ModuleRef) []ModuleRef {
	if len(refs) == 0 {
		return nil
	}
	out := make([]ModuleRef, len(refs))
	for i, ref := range refs {
		source := ref.Source
		if source == "" {
			source = ref.Name
		}
		out[i] = ModuleRef{
			Name:   ref.Name,
			Source: source,
			Config: deepCopyMap(ref.Config),
		}
	}
	return out
}

func decodeSession(m map[string]any) SessionConfig {
	return SessionConfig{
		Provider:            stringVal(m, "provider"),
		Agent:               stringVal(m, "agent"),
		Model:               stringVal(m, "model"),
		MaxTurns:            intVal(m, "max_turns"),
		MaxTokens:           intVal(m, "max_tokens"),
		Temperature:         floatVal(m, "temperature"),
		ContextTokens:       intVal(m, "context_tokens"),
		ReplyTokens:         intVal(m, "reply_tokens"),
		ProviderTimeoutSecs: intVal(m, "provider_timeout_secs"),
		ToolTimeoutSecs:     intVal(m, "tool_timeout_secs"),
	}
}

func stringVal(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return expandEnv(v)
	}
	return ""
}

func intVal(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func floatVal(m map[string]any, key string) float32 {
	switch v := m[key].(type) {
	case float64:
		return float32(v)
	case int:
		return float32(v)
	default:
		return 0
	}
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references in string values. Only the
// braced form expands; bare dollars stay untouched so prompt text is safe.
func expandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// deepCopyMap copies nested maps and slices, expanding env references in
// string values along the way.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case string:
		return expandEnv(val)
	default:
		return val
	}
}
