package profile

// mergeDocuments overlays the more specific document onto the base and
// returns a fresh Document. Neither input is mutated.
//
// Merge rules:
//   - identity scalars: the overlay wins when it sets a value
//   - session: merged per key, overlay keys win
//   - module lists: merged by module name; an overriding entry replaces
//     the base entry wholesale but keeps its position, new names append
//     in overlay order
//   - unknown sections: overlay section replaces the base section
//   - instructions: concatenated base-first so general guidance precedes
//     specific guidance
//
// The operation is associative, so a chain folds the same from either end.
func mergeDocuments(base, overlay *Document) *Document {
	out := &Document{
		Name:         pickString(base.Name, overlay.Name),
		Version:      pickString(base.Version, overlay.Version),
		Description:  pickString(base.Description, overlay.Description),
		Session:      mergeMaps(base.Session, overlay.Session),
		Providers:    mergeModuleLists(base.Providers, overlay.Providers),
		Tools:        mergeModuleLists(base.Tools, overlay.Tools),
		Hooks:        mergeModuleLists(base.Hooks, overlay.Hooks),
		Agents:       mergeModuleLists(base.Agents, overlay.Agents),
		Extra:        mergeSections(base.Extra, overlay.Extra),
		Instructions: joinInstructions(base.Instructions, overlay.Instructions),
	}
	return out
}

func pickString(base, overlay string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

func joinInstructions(base, overlay string) string {
	switch {
	case base == "":
		return overlay
	case overlay == "":
		return base
	default:
		return base + "\n\n" + overlay
	}
}

// mergeMaps merges per key with overlay keys winning. Values are copied
// shallowly; deep copying happens once at resolution time.
func mergeMaps(base, overlay map[string]any) map[string]any {
	if base == nil && overlay == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// mergeSections replaces whole sections: unknown sections are opaque, so a
// more specific profile redefines the section rather than merging into it.
func mergeSections(base, overlay map[string]any) map[string]any {
	if base == nil && overlay == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// mergeModuleLists merges by module name. An overriding entry replaces
// the base entry wholesale but keeps the base entry's position, so mount
// order stays stable across the chain; new entries append in overlay order.
func mergeModuleLists(base, overlay []ModuleRef) []ModuleRef {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}

	out := make([]ModuleRef, len(base))
	copy(out, base)

	index := make(map[string]int, len(out))
	for i, ref := range out {
		index[ref.Name] = i
	}

	for _, ref := range overlay {
		if i, ok := index[ref.Name]; ok {
			out[i] = ref
			continue
		}
		index[ref.Name] = len(out)
		out = append(out, ref)
	}
	return out
}
