// Package profile loads and resolves host profiles. A profile is a YAML
// document (or markdown with YAML frontmatter) naming the modules to mount
// and the session defaults to run with. Profiles compose through extends
// inheritance; Resolve flattens a chain into one immutable Profile.
package profile

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ModuleRef names one module to mount, where to fetch its implementation
// from (a catalog source) and its configuration block.
type ModuleRef struct {
	Name   string         `yaml:"name"`
	Source string         `yaml:"source,omitempty"`
	Config map[string]any `yaml:"config,omitempty"`
}

// StringOrList accepts either a single YAML string or a list of strings.
type StringOrList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringOrList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*s = StringOrList{single}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = StringOrList(list)
		return nil
	default:
		return fmt.Errorf("extends must be a string or list of strings")
	}
}

// Document is one parsed profile file before merging. Known sections are
// typed; everything else lands in Extra and passes through resolution
// untouched.
type Document struct {
	Name        string
	Version     string
	Description string
	Extends     StringOrList
	Session     map[string]any
	Providers   []ModuleRef
	Tools       []ModuleRef
	Hooks       []ModuleRef
	Agents      []ModuleRef
	Extra       map[string]any

	// Instructions holds the free-form markdown body for .md profiles.
	// The host never interprets it; it is handed to sessions verbatim.
	Instructions string
}

// UnmarshalYAML captures known sections into fields and unknown sections
// into Extra.
func (d *Document) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return err
	}

	for key := range raw {
		n := raw[key]
		var err error
		switch key {
		case "name":
			err = n.Decode(&d.Name)
		case "version":
			err = n.Decode(&d.Version)
		case "description":
			err = n.Decode(&d.Description)
		case "extends":
			err = n.Decode(&d.Extends)
		case "session":
			err = n.Decode(&d.Session)
		case "providers":
			err = n.Decode(&d.Providers)
		case "tools":
			err = n.Decode(&d.Tools)
		case "hooks":
			err = n.Decode(&d.Hooks)
		case "agents":
			err = n.Decode(&d.Agents)
		default:
			var v any
			if err = n.Decode(&v); err == nil {
				if d.Extra == nil {
					d.Extra = map[string]any{}
				}
				d.Extra[key] = v
			}
		}
		if err != nil {
			return fmt.Errorf("profile section %q: %w", key, err)
		}
	}
	return nil
}

// SessionConfig carries the typed session defaults of a resolved profile.
type SessionConfig struct {
	Provider            string
	Agent               string
	Model               string
	MaxTurns            int
	MaxTokens           int
	Temperature         float32
	ContextTokens       int
	ReplyTokens         int
	ProviderTimeoutSecs int
	ToolTimeoutSecs     int
}

// Profile is a fully resolved, immutable profile. Mutating a returned
// Profile never affects loader caches or other resolutions.
type Profile struct {
	Name         string
	Version      string
	Description  string
	Session      SessionConfig
	Providers    []ModuleRef
	Tools        []ModuleRef
	Hooks        []ModuleRef
	Agents       []ModuleRef
	Extra        map[string]any
	Instructions string
}

// Provider returns the named provider ref, if present.
func (p *Profile) Provider(name string) (ModuleRef, bool) {
	return findRef(p.Providers, name)
}

// Agent returns the named agent ref, if present.
func (p *Profile) Agent(name string) (ModuleRef, bool) {
	return findRef(p.Agents, name)
}

func findRef(refs []ModuleRef, name string) (ModuleRef, bool) {
	for _, r := range refs {
		if r.Name == name {
			return r, true
		}
	}
	return ModuleRef{}, false
}

// AgentSpec is the instance mounted for an "agent" module: a named preset
// binding instructions to a provider. Recipe stages select actors by
// agent name.
type AgentSpec struct {
	Name         string
	Provider     string
	Model        string
	Instructions string
	Tools        []string
	MaxTurns     int
}
