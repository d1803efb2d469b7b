// Package policy supplies the agent-side shaping of upstream requests:
// a system prompt plus declarative tool definitions.
//
// The tool-calling loop itself belongs to the upstream provider's
// protocol — the proxy only declares what tools exist. Each tool is a
// pure function from a parameter map to a result, backed by static data.
// Swapping the policy swaps the whole agent personality without touching
// the relay.
package policy

import "fmt"

// ToolDef describes one tool in the provider's tool-calling format:
// a name, a human description and a JSON-schema parameter object, plus
// the lookup function that services a call.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
	Run         func(input map[string]any) (any, error)
}

// Policy produces the system prompt and tool set for upstream requests.
type Policy interface {
	SystemPrompt() string
	Tools() []ToolDef
}

// Dispatch executes the named tool of p with the given input. It exists
// so callers resolving a provider tool_use block don't each reimplement
// the name lookup.
func Dispatch(p Policy, name string, input map[string]any) (any, error) {
	for _, tool := range p.Tools() {
		if tool.Name == name {
			return tool.Run(input)
		}
	}
	return nil, fmt.Errorf("unknown tool %q", name)
}

// ---------------------------------------------------------------------------
// Default policy for the design-plugin assistant
// ---------------------------------------------------------------------------

// PluginPolicy is the built-in policy for the sandboxed plugin client: a
// design assistant with lookup tools over the plugin's static brand data.
type PluginPolicy struct {
	palette  map[string]string
	glossary map[string]string
}

// NewPluginPolicy builds the default policy with its static tables.
func NewPluginPolicy() *PluginPolicy {
	return &PluginPolicy{
		palette: map[string]string{
			"primary":    "#1A73E8",
			"secondary":  "#34A853",
			"accent":     "#FBBC04",
			"error":      "#EA4335",
			"surface":    "#FFFFFF",
			"on-surface": "#202124",
		},
		glossary: map[string]string{
			"frame":       "A top-level container that groups layers on the canvas.",
			"component":   "A reusable element; instances stay linked to it.",
			"auto-layout": "A frame property that sizes and spaces children automatically.",
			"variant":     "One named state of a component, e.g. hover or disabled.",
		},
	}
}

func (p *PluginPolicy) SystemPrompt() string {
	return "You are a concise design assistant embedded in a canvas plugin. " +
		"Answer questions about the user's design, the brand palette, and " +
		"design terminology. Prefer the lookup tools over guessing values."
}

func (p *PluginPolicy) Tools() []ToolDef {
	return []ToolDef{
		{
			Name:        "lookup_brand_color",
			Description: "Look up a brand palette color by its role name.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"role": map[string]any{
						"type":        "string",
						"description": "Color role, e.g. \"primary\" or \"accent\".",
					},
				},
				"required": []string{"role"},
			},
			Run: func(input map[string]any) (any, error) {
				role, _ := input["role"].(string)
				hex, ok := p.palette[role]
				if !ok {
					return nil, fmt.Errorf("no palette entry for role %q", role)
				}
				return map[string]string{"role": role, "hex": hex}, nil
			},
		},
		{
			Name:        "lookup_term",
			Description: "Look up the definition of a design term.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"term": map[string]any{
						"type":        "string",
						"description": "The term to define, e.g. \"auto-layout\".",
					},
				},
				"required": []string{"term"},
			},
			Run: func(input map[string]any) (any, error) {
				term, _ := input["term"].(string)
				def, ok := p.glossary[term]
				if !ok {
					return nil, fmt.Errorf("no glossary entry for %q", term)
				}
				return map[string]string{"term": term, "definition": def}, nil
			},
		},
	}
}
