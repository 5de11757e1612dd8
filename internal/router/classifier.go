// Package router decides which provider target serves a request: route
// classification first, then weighted selection over healthy targets.
package router

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/routecodex/routecodex/internal/wire/openai"
)

// Classifier assigns a request to a named route. Rules apply in a fixed
// order; the first match wins.
type Classifier struct {
	longContextThreshold int
	modelPrefixes        map[string]string // model prefix -> route
	routes               map[string]bool

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewClassifier builds the classifier. routes is the set of configured route
// names; prefixes maps model-name prefixes to routes.
func NewClassifier(longContextThreshold int, prefixes map[string]string, routes map[string]bool) *Classifier {
	if longContextThreshold <= 0 {
		longContextThreshold = 32768
	}
	return &Classifier{
		longContextThreshold: longContextThreshold,
		modelPrefixes:        prefixes,
		routes:               routes,
	}
}

// Classify picks the route for a canonical chat request. hint carries the
// X-Route-Hint header value, empty when absent.
func (c *Classifier) Classify(req *openai.ChatCompletionRequest, hint string) string {
	if hint != "" && c.routes[hint] {
		return hint
	}
	if len(req.Tools) > 0 && c.routes["tool_use"] {
		return "tool_use"
	}
	if c.routes["long_context"] && c.EstimateTokens(req) >= c.longContextThreshold {
		return "long_context"
	}
	if c.routes["vision"] && hasImage(req) {
		return "vision"
	}
	for prefix, route := range c.modelPrefixes {
		if strings.HasPrefix(req.Model, prefix) && c.routes[route] {
			return route
		}
	}
	return "default"
}

func hasImage(req *openai.ChatCompletionRequest) bool {
	for _, m := range req.Messages {
		if m.Content.HasImage() {
			return true
		}
	}
	return false
}

// EstimateTokens counts prompt tokens with the cl100k_base encoding. When the
// encoder cannot be loaded the estimate degrades to len/4, which is good
// enough for threshold routing.
func (c *Classifier) EstimateTokens(req *openai.ChatCompletionRequest) int {
	var sb strings.Builder
	for _, m := range req.Messages {
		sb.WriteString(m.Content.Plain())
		sb.WriteByte('\n')
		for _, tc := range m.ToolCalls {
			sb.WriteString(tc.Function.Arguments)
		}
	}
	text := sb.String()

	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}
