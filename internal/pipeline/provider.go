package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/llmswitch"
	"github.com/routecodex/routecodex/internal/transport"
	"github.com/routecodex/routecodex/internal/vault"
	"github.com/routecodex/routecodex/internal/wire/anthropic"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

// dialect is the wire shape an upstream speaks.
type dialect int

const (
	dialectOpenAI dialect = iota
	dialectAnthropic
	dialectResponses
)

func dialectFor(providerType string) dialect {
	switch strings.ToLower(providerType) {
	case "anthropic":
		return dialectAnthropic
	case "responses", "codex":
		return dialectResponses
	default:
		return dialectOpenAI
	}
}

func (d dialect) path() string {
	switch d {
	case dialectAnthropic:
		return "/messages"
	case dialectResponses:
		return "/responses"
	default:
		return "/chat/completions"
	}
}

// encodeRequest renders the canonical chat request in the provider dialect.
func encodeRequest(d dialect, req openai.ChatCompletionRequest) ([]byte, error) {
	switch d {
	case dialectAnthropic:
		mreq, err := llmswitch.ChatToAnthropicRequest(req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(mreq)
	case dialectResponses:
		return json.Marshal(llmswitch.ChatToResponsesRequest(req))
	default:
		return json.Marshal(req)
	}
}

// decodeResponse folds the provider dialect response body back into the
// canonical chat response.
func decodeResponse(d dialect, model string, body []byte) (openai.ChatCompletionResponse, error) {
	switch d {
	case dialectAnthropic:
		var mresp anthropic.MessagesResponse
		if err := json.Unmarshal(body, &mresp); err != nil {
			return openai.ChatCompletionResponse{}, gwerr.Wrap(gwerr.KindUpstreamRejected, err, "parse anthropic response")
		}
		return llmswitch.AnthropicResponseToChat(mresp, model), nil
	case dialectResponses:
		var rresp openai.Response
		if err := json.Unmarshal(body, &rresp); err != nil {
			return openai.ChatCompletionResponse{}, gwerr.Wrap(gwerr.KindUpstreamRejected, err, "parse responses response")
		}
		return llmswitch.ResponsesResponseToChat(rresp), nil
	default:
		var cresp openai.ChatCompletionResponse
		if err := json.Unmarshal(body, &cresp); err != nil {
			return openai.ChatCompletionResponse{}, gwerr.Wrap(gwerr.KindUpstreamRejected, err, "parse chat response")
		}
		return cresp, nil
	}
}

// buildAuth maps the credential onto the transport auth header scheme.
func buildAuth(p config.ProviderConfig, d dialect, cred vault.Credential, rpm int) transport.Auth {
	scheme := "bearer"
	if d == dialectAnthropic && cred.Type != "oauth" {
		scheme = "x-api-key"
	}
	extra := map[string]string{}
	for k, v := range p.Headers {
		extra[k] = v
	}
	if d == dialectAnthropic {
		if _, ok := extra["anthropic-version"]; !ok {
			extra["anthropic-version"] = "2023-06-01"
		}
	}
	return transport.Auth{
		Scheme:       scheme,
		Token:        cred.BearerValue(),
		Extra:        extra,
		CredentialID: cred.ID,
		RPM:          rpm,
	}
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// modelRPM resolves the effective requests-per-minute limit: model config
// first, compat profile default second.
func modelRPM(p config.ProviderConfig, model string, profileRPM int) int {
	if mc, ok := p.Models[model]; ok && mc.RPM > 0 {
		return mc.RPM
	}
	return profileRPM
}
