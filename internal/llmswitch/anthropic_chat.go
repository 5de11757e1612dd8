// Package llmswitch converts between the three wire protocols. The canonical
// form is OpenAI Chat Completions for chat routes and OpenAI Responses for
// Responses routes; Anthropic Messages converts into and out of Chat.
package llmswitch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/wire/anthropic"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

// AnthropicToChatRequest maps an Anthropic Messages request onto the
// canonical Chat shape.
func AnthropicToChatRequest(req anthropic.MessagesRequest) (openai.ChatCompletionRequest, error) {
	var messages []openai.ChatMessage
	if system := req.System.ExtractText(); strings.TrimSpace(system) != "" {
		messages = append(messages, openai.ChatMessage{Role: "system", Content: openai.TextContent(system)})
	}

	for _, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "user":
			var parts []openai.ContentPart
			for _, block := range msg.Content.Blocks {
				switch strings.ToLower(block.Type) {
				case "text":
					if strings.TrimSpace(block.Text) != "" {
						parts = append(parts, openai.ContentPart{Type: "text", Text: block.Text})
					}
				case "image":
					if url := imageURLFromSource(block.Source); url != "" {
						parts = append(parts, openai.ContentPart{Type: "image_url", ImageURL: &openai.ImageURL{URL: url}})
					}
				case "tool_result":
					messages = append(messages, openai.ChatMessage{
						Role:       "tool",
						Content:    openai.TextContent(toolResultText(block)),
						ToolCallID: block.ToolUseID,
					})
				}
			}
			if len(parts) == 1 && parts[0].Type == "text" {
				messages = append(messages, openai.ChatMessage{Role: "user", Content: openai.TextContent(parts[0].Text)})
			} else if len(parts) > 0 {
				messages = append(messages, openai.ChatMessage{Role: "user", Content: openai.MessageContent{Parts: parts}})
			}
		case "assistant":
			var textParts []string
			var reasoning []string
			var toolCalls []openai.ToolCall
			for _, block := range msg.Content.Blocks {
				switch strings.ToLower(block.Type) {
				case "text":
					if block.Text != "" {
						textParts = append(textParts, block.Text)
					}
				case "thinking":
					if block.Thinking != "" {
						reasoning = append(reasoning, block.Thinking)
					}
				case "tool_use":
					args := "{}"
					if block.Input != nil {
						if raw, err := json.Marshal(block.Input); err == nil {
							args = string(raw)
						}
					}
					toolCalls = append(toolCalls, openai.ToolCall{
						ID:   block.ID,
						Type: "function",
						Function: openai.FunctionCall{
							Name:      block.Name,
							Arguments: args,
						},
					})
				}
			}
			assistant := openai.ChatMessage{Role: "assistant", Content: openai.TextContent(strings.Join(textParts, "\n\n"))}
			assistant.ReasoningContent = strings.Join(reasoning, "\n\n")
			if len(toolCalls) > 0 {
				assistant.ToolCalls = toolCalls
			}
			if assistant.Content.IsEmpty() && len(toolCalls) == 0 && assistant.ReasoningContent == "" {
				continue
			}
			messages = append(messages, assistant)
		default:
			text := msg.Content.Blocks
			var texts []string
			for _, block := range text {
				if strings.EqualFold(block.Type, "text") && strings.TrimSpace(block.Text) != "" {
					texts = append(texts, block.Text)
				}
			}
			if len(texts) > 0 {
				messages = append(messages, openai.ChatMessage{Role: "user", Content: openai.TextContent(strings.Join(texts, "\n\n"))})
			}
		}
	}

	if len(messages) == 0 {
		return openai.ChatCompletionRequest{}, gwerr.New(gwerr.KindBadRequest, "no usable messages in request")
	}

	var maxTokens *int
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		maxTokens = &mt
	}
	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   maxTokens,
		Tools:       anthropicToolsToChat(req.Tools),
	}, nil
}

// ChatToAnthropicRequest maps the canonical Chat request onto Anthropic
// Messages, for Anthropic-dialect upstreams.
func ChatToAnthropicRequest(req openai.ChatCompletionRequest) (anthropic.MessagesRequest, error) {
	out := anthropic.MessagesRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if out.MaxTokens == 0 {
		// Anthropic requires max_tokens.
		out.MaxTokens = 4096
	}
	out.Tools = chatToolsToAnthropic(req.Tools)

	var systemParts []string
	var pendingToolIDs []string
	autoToolCounter := 0

	for idx, msg := range req.Messages {
		switch strings.ToLower(msg.Role) {
		case "system", "developer":
			if text := msg.Content.Plain(); strings.TrimSpace(text) != "" {
				systemParts = append(systemParts, text)
			}
		case "user":
			var blocks []anthropic.ContentBlock
			if len(msg.Content.Parts) > 0 {
				for _, part := range msg.Content.Parts {
					switch part.Type {
					case "text":
						if strings.TrimSpace(part.Text) != "" {
							blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: part.Text})
						}
					case "image_url":
						if part.ImageURL != nil {
							blocks = append(blocks, imageBlockFromURL(part.ImageURL.URL))
						}
					}
				}
			} else if text := strings.TrimSpace(msg.Content.Text); text != "" {
				blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, anthropic.Message{Role: "user", Content: anthropic.Content{Blocks: blocks}})
		case "assistant":
			var blocks []anthropic.ContentBlock
			if text := msg.Content.Plain(); strings.TrimSpace(text) != "" {
				blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
			}
			for toolIdx, tc := range msg.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					autoToolCounter++
					id = fmt.Sprintf("toolu_auto_%d_%d", idx, autoToolCounter)
				}
				pendingToolIDs = append(pendingToolIDs, id)
				name := strings.TrimSpace(tc.Function.Name)
				if name == "" {
					name = fmt.Sprintf("function_%d_%d", idx, toolIdx)
				}
				input := map[string]interface{}{}
				if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
					if err := json.Unmarshal([]byte(raw), &input); err != nil {
						input = map[string]interface{}{"_raw": raw}
					}
				}
				blocks = append(blocks, anthropic.ContentBlock{Type: "tool_use", ID: id, Name: name, Input: input})
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, anthropic.Message{Role: "assistant", Content: anthropic.Content{Blocks: blocks}})
		case "tool":
			toolID := strings.TrimSpace(msg.ToolCallID)
			if toolID == "" && len(pendingToolIDs) > 0 {
				toolID = pendingToolIDs[0]
				pendingToolIDs = pendingToolIDs[1:]
			} else {
				for i, pending := range pendingToolIDs {
					if pending == toolID {
						pendingToolIDs = append(pendingToolIDs[:i], pendingToolIDs[i+1:]...)
						break
					}
				}
			}
			var content []anthropic.ContentBlock
			if text := strings.TrimSpace(msg.Content.Plain()); text != "" {
				content = append(content, anthropic.ContentBlock{Type: "text", Text: text})
			}
			out.Messages = append(out.Messages, anthropic.Message{
				Role: "user",
				Content: anthropic.Content{Blocks: []anthropic.ContentBlock{{
					Type:      "tool_result",
					ToolUseID: toolID,
					Content:   content,
				}}},
			})
		}
	}

	if len(systemParts) > 0 {
		out.System = anthropic.SystemField{Text: strings.Join(systemParts, "\n\n")}
	}
	if len(out.Messages) == 0 {
		return out, gwerr.New(gwerr.KindBadRequest, "no user or assistant messages after conversion")
	}
	return out, nil
}

// AnthropicResponseToChat maps an Anthropic response back to the canonical
// Chat response.
func AnthropicResponseToChat(resp anthropic.MessagesResponse, originalModel string) openai.ChatCompletionResponse {
	var content strings.Builder
	var reasoning strings.Builder
	var toolCalls []openai.ToolCall

	for _, block := range resp.Content {
		switch strings.ToLower(block.Type) {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			args := "{}"
			if block.Input != nil {
				if raw, err := json.Marshal(block.Input); err == nil {
					args = string(raw)
				}
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: openai.FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	finishReason := "stop"
	switch strings.ToLower(resp.StopReason) {
	case "max_tokens":
		finishReason = "length"
	case "tool_use":
		finishReason = "tool_calls"
	}

	message := openai.ChatMessage{
		Role:             "assistant",
		Content:          openai.TextContent(content.String()),
		ReasoningContent: reasoning.String(),
	}
	if len(toolCalls) > 0 {
		message.ToolCalls = toolCalls
		finishReason = "tool_calls"
	}

	model := originalModel
	if model == "" {
		model = resp.Model
	}
	out := openai.NewCompletionResponse(resp.ID, model, message, finishReason, openai.UsageBreakdown{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	})
	return out
}

// ChatResponseToAnthropic maps the canonical Chat response onto the Anthropic
// Messages response shape, for Anthropic entry clients.
func ChatResponseToAnthropic(resp openai.ChatCompletionResponse, originalModel string) anthropic.MessagesResponse {
	out := anthropic.MessagesResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: originalModel,
	}
	if out.ID == "" {
		out.ID = fmt.Sprintf("msg_%d", time.Now().UnixNano())
	}
	if out.Model == "" {
		out.Model = resp.Model
	}
	stopReason := "end_turn"
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.ReasoningContent != "" {
			out.Content = append(out.Content, anthropic.ContentBlock{Type: "thinking", Thinking: choice.Message.ReasoningContent})
		}
		if text := choice.Message.Content.Plain(); text != "" {
			out.Content = append(out.Content, anthropic.ContentBlock{Type: "text", Text: text})
		}
		for _, tc := range choice.Message.ToolCalls {
			input := map[string]interface{}{}
			if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
				_ = json.Unmarshal([]byte(raw), &input)
			}
			out.Content = append(out.Content, anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			})
		}
		switch choice.FinishReason {
		case "length":
			stopReason = "max_tokens"
		case "tool_calls":
			stopReason = "tool_use"
		}
	}
	out.StopReason = stopReason
	out.Usage = anthropic.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return out
}

func anthropicToolsToChat(tools []anthropic.Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		out = append(out, openai.Tool{
			Type: "function",
			Function: openai.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func chatToolsToAnthropic(tools []openai.Tool) []anthropic.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.Tool, 0, len(tools))
	for _, t := range tools {
		if !strings.EqualFold(t.Type, "function") || strings.TrimSpace(t.Function.Name) == "" {
			continue
		}
		// strict JSON-schema has no Anthropic equivalent; the flag is
		// dropped, the schema itself survives.
		out = append(out, anthropic.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func toolResultText(block anthropic.ContentBlock) string {
	if len(block.Content) == 0 {
		return block.Text
	}
	var b strings.Builder
	for _, c := range block.Content {
		if strings.EqualFold(c.Type, "text") {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func imageURLFromSource(src *anthropic.ImageSource) string {
	if src == nil {
		return ""
	}
	switch strings.ToLower(src.Type) {
	case "url":
		return src.URL
	case "base64":
		if src.Data == "" {
			return ""
		}
		media := src.MediaType
		if media == "" {
			media = "image/png"
		}
		return fmt.Sprintf("data:%s;base64,%s", media, src.Data)
	default:
		return ""
	}
}

func imageBlockFromURL(url string) anthropic.ContentBlock {
	if strings.HasPrefix(url, "data:") {
		meta, data, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
		if ok {
			media := strings.TrimSuffix(meta, ";base64")
			return anthropic.ContentBlock{Type: "image", Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: media,
				Data:      data,
			}}
		}
	}
	return anthropic.ContentBlock{Type: "image", Source: &anthropic.ImageSource{Type: "url", URL: url}}
}
