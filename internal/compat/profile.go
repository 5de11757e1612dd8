// Package compat applies per-provider quirks as declarative transform
// documents over raw JSON bodies. Loading another provider means adding a
// profile document, not code. Profiles are idempotent: applying one twice
// equals applying it once.
package compat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/routecodex/routecodex/internal/gwerr"
)

// Profile is one provider's transform document. Transforms run in the field
// order below on the request path.
type Profile struct {
	Name                 string            `json:"name"`
	DropFields           []string          `json:"dropFields,omitempty"`
	RenameFields         map[string]string `json:"renameFields,omitempty"`
	ToolSchemaPatches    []ToolSchemaPatch `json:"toolSchemaPatches,omitempty"`
	SystemPromptOverride string            `json:"systemPromptOverride,omitempty"`
	SystemPromptPrefix   string            `json:"systemPromptPrefix,omitempty"`
	ThinkingPayload      json.RawMessage   `json:"thinkingPayload,omitempty"`
	StripUnsupported     []string          `json:"stripUnsupported,omitempty"`
	DropEmptyTools       bool              `json:"dropEmptyTools,omitempty"`
	// RateLimitRPM is an advisory default bucket rate for this provider's
	// credentials when the key itself carries no rpm.
	RateLimitRPM int `json:"rateLimitRpm,omitempty"`
	// PromoteReasoning moves provider reasoning fields onto
	// reasoning_content on the response path.
	PromoteReasoning bool `json:"promoteReasoning,omitempty"`
	// RejectPatterns fails the request with PolicyViolation when a top-level
	// field matches, for payloads the provider is known to 500 on.
	RejectPatterns []RejectRule `json:"rejectPatterns,omitempty"`
}

// ToolSchemaPatch rewrites one property of a tool's parameter schema. The
// canonical use is GLM's command field, which must accept string OR array.
type ToolSchemaPatch struct {
	// Tool names the function, "*" matches all.
	Tool     string `json:"tool"`
	Property string `json:"property"`
	// OneOfTypes rewrites the property schema to a oneOf of these JSON types;
	// "array" entries become {"type":"array","items":{"type":"string"}}.
	OneOfTypes []string `json:"oneOfTypes"`
}

// RejectRule refuses requests carrying a field with an unsupported value.
type RejectRule struct {
	Field  string `json:"field"`
	Equals string `json:"equals,omitempty"`
	Reason string `json:"reason"`
}

// ApplyRequest runs the profile over a raw request body.
func (p *Profile) ApplyRequest(body []byte) ([]byte, error) {
	if p == nil {
		return body, nil
	}
	var err error

	for _, rule := range p.RejectPatterns {
		v := gjson.GetBytes(body, rule.Field)
		if !v.Exists() {
			continue
		}
		if rule.Equals == "" || v.String() == rule.Equals {
			return nil, gwerr.New(gwerr.KindPolicyViolation, "profile %s rejects %s", p.Name, rule.Field).WithReason(rule.Reason)
		}
	}

	for _, field := range p.DropFields {
		if body, err = sjson.DeleteBytes(body, field); err != nil {
			return nil, fmt.Errorf("compat: drop %s: %w", field, err)
		}
	}

	for from, to := range p.RenameFields {
		v := gjson.GetBytes(body, from)
		if !v.Exists() || gjson.GetBytes(body, to).Exists() {
			continue
		}
		if body, err = sjson.SetRawBytes(body, to, []byte(v.Raw)); err != nil {
			return nil, fmt.Errorf("compat: rename %s->%s: %w", from, to, err)
		}
		if body, err = sjson.DeleteBytes(body, from); err != nil {
			return nil, fmt.Errorf("compat: rename %s->%s: %w", from, to, err)
		}
	}

	for _, patch := range p.ToolSchemaPatches {
		if body, err = applyToolSchemaPatch(body, patch); err != nil {
			return nil, err
		}
	}

	if p.SystemPromptOverride != "" {
		body, err = setSystemPrompt(body, p.SystemPromptOverride, false)
		if err != nil {
			return nil, err
		}
	} else if p.SystemPromptPrefix != "" {
		body, err = setSystemPrompt(body, p.SystemPromptPrefix, true)
		if err != nil {
			return nil, err
		}
	}

	if len(p.ThinkingPayload) > 0 && !gjson.GetBytes(body, "thinking").Exists() {
		if body, err = sjson.SetRawBytes(body, "thinking", p.ThinkingPayload); err != nil {
			return nil, fmt.Errorf("compat: thinking payload: %w", err)
		}
	}

	for _, field := range p.StripUnsupported {
		if body, err = sjson.DeleteBytes(body, field); err != nil {
			return nil, fmt.Errorf("compat: strip %s: %w", field, err)
		}
	}

	if p.DropEmptyTools {
		tools := gjson.GetBytes(body, "tools")
		if tools.Exists() && tools.IsArray() && len(tools.Array()) == 0 {
			if body, err = sjson.DeleteBytes(body, "tools"); err != nil {
				return nil, fmt.Errorf("compat: drop empty tools: %w", err)
			}
			body, _ = sjson.DeleteBytes(body, "tool_choice")
		}
	}

	return body, nil
}

// ApplyResponse normalizes provider-specific response envelopes into
// canonical shapes.
func (p *Profile) ApplyResponse(body []byte) ([]byte, error) {
	if p == nil {
		return body, nil
	}
	var err error

	// Legacy error envelopes: {"error_msg": ...} or {"error": "..."} become
	// the OpenAI error object.
	if msg := gjson.GetBytes(body, "error_msg"); msg.Exists() {
		if body, err = sjson.SetBytes(body, "error.message", msg.String()); err != nil {
			return nil, err
		}
		body, _ = sjson.DeleteBytes(body, "error_msg")
	}
	if e := gjson.GetBytes(body, "error"); e.Exists() && e.Type == gjson.String {
		if body, err = sjson.SetBytes(body, "error", map[string]interface{}{"message": e.String(), "type": "api_error"}); err != nil {
			return nil, err
		}
	}

	if p.PromoteReasoning {
		for i, choice := range gjson.GetBytes(body, "choices").Array() {
			for _, key := range []string{"reasoning", "thinking"} {
				path := fmt.Sprintf("choices.%d.message.%s", i, key)
				v := gjson.GetBytes(body, path)
				if !v.Exists() || v.String() == "" {
					continue
				}
				dst := fmt.Sprintf("choices.%d.message.reasoning_content", i)
				if !gjson.GetBytes(body, dst).Exists() {
					if body, err = sjson.SetBytes(body, dst, v.String()); err != nil {
						return nil, err
					}
				}
				body, _ = sjson.DeleteBytes(body, path)
			}
			_ = choice
		}
	}

	return body, nil
}

func applyToolSchemaPatch(body []byte, patch ToolSchemaPatch) ([]byte, error) {
	tools := gjson.GetBytes(body, "tools")
	if !tools.Exists() || !tools.IsArray() {
		return body, nil
	}
	oneOf := make([]map[string]interface{}, 0, len(patch.OneOfTypes))
	for _, t := range patch.OneOfTypes {
		if t == "array" {
			oneOf = append(oneOf, map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			})
			continue
		}
		oneOf = append(oneOf, map[string]interface{}{"type": t})
	}
	var err error
	for i, tool := range tools.Array() {
		name := tool.Get("function.name").String()
		if patch.Tool != "*" && !strings.EqualFold(patch.Tool, name) {
			continue
		}
		prop := fmt.Sprintf("tools.%d.function.parameters.properties.%s", i, patch.Property)
		if !gjson.GetBytes(body, prop).Exists() {
			continue
		}
		schema := map[string]interface{}{"oneOf": oneOf}
		if desc := gjson.GetBytes(body, prop+".description"); desc.Exists() {
			schema["description"] = desc.String()
		}
		if body, err = sjson.SetBytes(body, prop, schema); err != nil {
			return nil, fmt.Errorf("compat: tool schema patch %s: %w", patch.Property, err)
		}
	}
	return body, nil
}

// setSystemPrompt rewrites or prefixes the system prompt on a Chat-shaped
// body. Prefixing is idempotent: an already-prefixed prompt is left alone.
func setSystemPrompt(body []byte, text string, prefix bool) ([]byte, error) {
	messages := gjson.GetBytes(body, "messages")
	if !messages.Exists() || !messages.IsArray() {
		return body, nil
	}
	sysIdx := -1
	for i, m := range messages.Array() {
		if m.Get("role").String() == "system" {
			sysIdx = i
			break
		}
	}
	var err error
	if sysIdx == -1 {
		updated := append([]interface{}{map[string]interface{}{"role": "system", "content": text}}, rawArray(messages)...)
		return sjson.SetBytes(body, "messages", updated)
	}
	path := fmt.Sprintf("messages.%d.content", sysIdx)
	current := gjson.GetBytes(body, path).String()
	if prefix {
		if strings.HasPrefix(current, text) {
			return body, nil
		}
		text = text + "\n\n" + current
	} else if current == text {
		return body, nil
	}
	if body, err = sjson.SetBytes(body, path, text); err != nil {
		return nil, fmt.Errorf("compat: system prompt: %w", err)
	}
	return body, nil
}

func rawArray(v gjson.Result) []interface{} {
	arr := v.Array()
	out := make([]interface{}, 0, len(arr))
	for _, item := range arr {
		out = append(out, json.RawMessage(item.Raw))
	}
	return out
}
