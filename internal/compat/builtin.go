package compat

import (
	"encoding/json"
	"strings"
	"sync"
)

// Builtin profiles for the providers the gateway ships with. A config may
// reference any of these by name or register its own.

var (
	registryMu sync.RWMutex
	registry   = map[string]*Profile{}
)

func init() {
	for _, p := range []*Profile{
		{
			Name:           "openai",
			DropEmptyTools: true,
		},
		{
			Name:           "anthropic",
			DropEmptyTools: true,
			// Anthropic rejects Chat-style response_format outright.
			StripUnsupported: []string{"response_format"},
		},
		{
			Name:           "glm",
			DropEmptyTools: true,
			ToolSchemaPatches: []ToolSchemaPatch{
				// GLM emits command as string or array depending on the turn;
				// the schema has to accept both.
				{Tool: "*", Property: "command", OneOfTypes: []string{"string", "array"}},
			},
			PromoteReasoning: true,
			RateLimitRPM:     3,
		},
		{
			Name:             "qwen",
			DropEmptyTools:   true,
			StripUnsupported: []string{"response_format", "reasoning_effort"},
			PromoteReasoning: true,
		},
		{
			Name:             "iflow",
			DropEmptyTools:   true,
			StripUnsupported: []string{"tool_choice", "response_format"},
			RateLimitRPM:     3,
		},
		{
			Name:             "lmstudio",
			DropEmptyTools:   true,
			StripUnsupported: []string{"reasoning_effort", "metadata"},
		},
		{
			Name:           "gemini",
			DropEmptyTools: true,
			RenameFields:   map[string]string{"max_tokens": "max_completion_tokens"},
			ThinkingPayload: json.RawMessage(
				`{"type":"enabled","budget_tokens":1024}`),
		},
	} {
		registry[p.Name] = p
	}
}

// Lookup returns the named profile; unknown names get the passthrough
// "openai" profile so requests still flow.
func Lookup(name string) *Profile {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if p, ok := registry[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return registry["openai"]
}

// Register adds or replaces a profile, for config-supplied documents.
func Register(p *Profile) {
	if p == nil || p.Name == "" {
		return
	}
	registryMu.Lock()
	registry[strings.ToLower(p.Name)] = p
	registryMu.Unlock()
}
