// Package config loads and validates the gateway configuration file.
// JSON is the native format; .yaml/.yml files are accepted as well.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/routecodex/routecodex/internal/compat"
)

// Config is the root of the on-disk configuration.
type Config struct {
	HTTPServer    HTTPServerConfig                `json:"httpserver" yaml:"httpserver"`
	VirtualRouter VirtualRouterConfig             `json:"virtualrouter" yaml:"virtualrouter"`
	KeyVault      map[string]map[string]KeyConfig `json:"keyVault" yaml:"keyVault"`
	HTTPClient    HTTPClientConfig                `json:"httpclient" yaml:"httpclient"`
	Pipeline      PipelineConfig                  `json:"pipeline" yaml:"pipeline"`
	Snapshots     SnapshotConfig                  `json:"snapshots" yaml:"snapshots"`
	Ledger        LedgerConfig                    `json:"ledger" yaml:"ledger"`
	Log           LogConfig                       `json:"log" yaml:"log"`
	Compat        CompatConfig                    `json:"compat" yaml:"compat"`
}

// CompatConfig carries user-supplied field-transform profiles, registered on
// startup next to the builtins.
type CompatConfig struct {
	Profiles map[string]compat.Profile `json:"profiles" yaml:"profiles"`
}

type HTTPServerConfig struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	APIKey string `json:"apikey" yaml:"apikey"`
}

// Addr returns the listen address, defaulting to 127.0.0.1:5506.
func (h HTTPServerConfig) Addr() string {
	host := h.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := h.Port
	if port == 0 {
		port = 5506
	}
	return fmt.Sprintf("%s:%d", host, port)
}

type VirtualRouterConfig struct {
	Providers            map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Routing              map[string][]string       `json:"routing" yaml:"routing"`
	Classification       ClassificationConfig      `json:"classificationConfig" yaml:"classificationConfig"`
	ModelAliases         map[string]string         `json:"modelAliases" yaml:"modelAliases"`
	QuarantineWindowSec  int                       `json:"quarantineWindowSec" yaml:"quarantineWindowSec"`
	FailureThreshold     int                       `json:"failureThreshold" yaml:"failureThreshold"`
	SuccessThreshold     int                       `json:"successThreshold" yaml:"successThreshold"`
	DecisionMemoWindowMs int                       `json:"decisionMemoWindowMs" yaml:"decisionMemoWindowMs"`
}

type ProviderConfig struct {
	// Type selects the upstream dialect: openai, responses, anthropic,
	// gemini, glm, qwen, iflow, lmstudio.
	Type          string                 `json:"type" yaml:"type"`
	BaseURL       string                 `json:"baseURL" yaml:"baseURL"`
	Auth          AuthConfig             `json:"auth" yaml:"auth"`
	Models        map[string]ModelConfig `json:"models" yaml:"models"`
	Headers       map[string]string      `json:"headers" yaml:"headers"`
	OAuth         *OAuthConfig           `json:"oauth" yaml:"oauth"`
	Compatibility string                 `json:"compatibility" yaml:"compatibility"`
}

type AuthConfig struct {
	// Type is "apikey" or "oauth".
	Type string `json:"type" yaml:"type"`
	// KeyRef names a keyVault entry; APIKey inlines the value directly.
	KeyRef string `json:"keyRef" yaml:"keyRef"`
	APIKey string `json:"apikey" yaml:"apikey"`
}

type ModelConfig struct {
	MaxTokens     int  `json:"maxTokens" yaml:"maxTokens"`
	SupportsTools bool `json:"supportsTools" yaml:"supportsTools"`
	RPM           int  `json:"rpm" yaml:"rpm"`
}

type ClassificationConfig struct {
	LongContextThreshold int `json:"longContextThreshold" yaml:"longContextThreshold"`
}

type OAuthConfig struct {
	DeviceCodeURL string   `json:"deviceCodeUrl" yaml:"deviceCodeUrl"`
	TokenURL      string   `json:"tokenUrl" yaml:"tokenUrl"`
	Scopes        []string `json:"scopes" yaml:"scopes"`
	ClientID      string   `json:"clientId" yaml:"clientId"`
	ClientSecret  string   `json:"clientSecret" yaml:"clientSecret"`
	UserInfoURL   string   `json:"userInfoUrl" yaml:"userInfoUrl"`
	AuthDir       string   `json:"authDir" yaml:"authDir"`
	Interactive   bool     `json:"interactive" yaml:"interactive"`
}

type KeyConfig struct {
	Type         string `json:"type" yaml:"type"`
	Value        string `json:"value" yaml:"value"`
	TokenFile    string `json:"tokenFile" yaml:"tokenFile"`
	RefreshToken string `json:"refreshToken" yaml:"refreshToken"`
	Disabled     bool   `json:"disabled" yaml:"disabled"`
}

type HTTPClientConfig struct {
	// UAMode is "normal" or "codex".
	UAMode             string `json:"uaMode" yaml:"uaMode"`
	CodexSessionSticky *bool  `json:"codexSessionSticky" yaml:"codexSessionSticky"`
	UserAgent          string `json:"userAgent" yaml:"userAgent"`
	TimeoutSec         int    `json:"timeoutSec" yaml:"timeoutSec"`
	MaxIdlePerHost     int    `json:"maxIdlePerHost" yaml:"maxIdlePerHost"`
	RateWaitMaxMs      int    `json:"rateWaitMaxMs" yaml:"rateWaitMaxMs"`
}

// Timeout returns the upstream call timeout.
func (h HTTPClientConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSec) * time.Second
}

// RateWaitMax returns the longest in-process wait for a rate-limit token.
func (h HTTPClientConfig) RateWaitMax() time.Duration {
	return time.Duration(h.RateWaitMaxMs) * time.Millisecond
}

type PipelineConfig struct {
	FailoverLimit             int `json:"failoverLimit" yaml:"failoverLimit"`
	RateRetryBudgetSec        int `json:"rateRetryBudgetSec" yaml:"rateRetryBudgetSec"`
	SlotTimeoutMs             int `json:"slotTimeoutMs" yaml:"slotTimeoutMs"`
	MaxPendingToolLoops       int `json:"maxPendingToolLoops" yaml:"maxPendingToolLoops"`
	PendingToolTTLSec         int `json:"pendingToolTtlSec" yaml:"pendingToolTtlSec"`
	StreamingSynthesisDeltaMs int `json:"streamingSynthesisDeltaMs" yaml:"streamingSynthesisDeltaMs"`
	PreHeartbeatMs            int `json:"preHeartbeatMs" yaml:"preHeartbeatMs"`
}

type SnapshotConfig struct {
	Dir          string `json:"dir" yaml:"dir"`
	PerReasonCap int    `json:"perReasonCap" yaml:"perReasonCap"`
	Disabled     bool   `json:"disabled" yaml:"disabled"`
}

type LedgerConfig struct {
	Path     string `json:"path" yaml:"path"`
	Disabled bool   `json:"disabled" yaml:"disabled"`
}

type LogConfig struct {
	File     string `json:"file" yaml:"file"`
	Level    string `json:"level" yaml:"level"`
	MaxBytes int64  `json:"maxBytes" yaml:"maxBytes"`
}

// Load reads, decodes, env-overrides and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse json: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.expandPaths()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ROUTECODEX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTPServer.Port = port
		}
	}
	if v := os.Getenv("ROUTECODEX_UA_MODE"); v != "" {
		c.HTTPClient.UAMode = v
	}
	if v := os.Getenv("ROUTECODEX_ERRORSAMPLES_DIR"); v != "" {
		c.Snapshots.Dir = v
	}
	for id, p := range c.VirtualRouter.Providers {
		prefix := strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
		if v := os.Getenv(prefix + "_API_KEY"); v != "" && p.Auth.APIKey == "" {
			p.Auth.APIKey = v
			c.VirtualRouter.Providers[id] = p
		}
		if v := os.Getenv(prefix + "_CLIENT_ID"); v != "" && p.OAuth != nil && p.OAuth.ClientID == "" {
			p.OAuth.ClientID = v
			c.VirtualRouter.Providers[id] = p
		}
		if v := os.Getenv(prefix + "_TOKEN_FILE"); v != "" {
			if c.KeyVault == nil {
				c.KeyVault = map[string]map[string]KeyConfig{}
			}
			if c.KeyVault[id] == nil {
				c.KeyVault[id] = map[string]KeyConfig{}
			}
			if _, ok := c.KeyVault[id]["env"]; !ok {
				c.KeyVault[id]["env"] = KeyConfig{Type: "oauth", TokenFile: v}
			}
		}
	}
	// Generic OpenAI fallback key.
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		for id, p := range c.VirtualRouter.Providers {
			if p.Type == "openai" && p.Auth.APIKey == "" && p.Auth.KeyRef == "" {
				p.Auth.APIKey = v
				c.VirtualRouter.Providers[id] = p
			}
		}
	}
}

// expandPaths resolves leading "~/" in filesystem settings.
func (c *Config) expandPaths() {
	c.Log.File = expandHome(c.Log.File)
	c.Snapshots.Dir = expandHome(c.Snapshots.Dir)
	c.Ledger.Path = expandHome(c.Ledger.Path)
	for id, p := range c.VirtualRouter.Providers {
		if p.OAuth != nil {
			p.OAuth.AuthDir = expandHome(p.OAuth.AuthDir)
			c.VirtualRouter.Providers[id] = p
		}
	}
	for provider, keys := range c.KeyVault {
		for id, k := range keys {
			k.TokenFile = expandHome(k.TokenFile)
			c.KeyVault[provider][id] = k
		}
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}

// ApplyDefaults fills zero-valued tunables with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.VirtualRouter.Classification.LongContextThreshold == 0 {
		c.VirtualRouter.Classification.LongContextThreshold = 32000
	}
	if c.VirtualRouter.QuarantineWindowSec == 0 {
		c.VirtualRouter.QuarantineWindowSec = 60
	}
	if c.VirtualRouter.FailureThreshold == 0 {
		c.VirtualRouter.FailureThreshold = 3
	}
	if c.VirtualRouter.SuccessThreshold == 0 {
		c.VirtualRouter.SuccessThreshold = 3
	}
	if c.VirtualRouter.DecisionMemoWindowMs == 0 {
		c.VirtualRouter.DecisionMemoWindowMs = 5000
	}
	if c.Pipeline.FailoverLimit == 0 {
		c.Pipeline.FailoverLimit = 2
	}
	if c.Pipeline.RateRetryBudgetSec == 0 {
		c.Pipeline.RateRetryBudgetSec = 2
	}
	if c.Pipeline.SlotTimeoutMs == 0 {
		c.Pipeline.SlotTimeoutMs = 30000
	}
	if c.Pipeline.MaxPendingToolLoops == 0 {
		c.Pipeline.MaxPendingToolLoops = 64
	}
	if c.Pipeline.PendingToolTTLSec == 0 {
		c.Pipeline.PendingToolTTLSec = 300
	}
	if c.Pipeline.StreamingSynthesisDeltaMs == 0 {
		c.Pipeline.StreamingSynthesisDeltaMs = 25
	}
	if c.Snapshots.PerReasonCap == 0 {
		c.Snapshots.PerReasonCap = 250
	}
	if c.HTTPClient.TimeoutSec == 0 {
		c.HTTPClient.TimeoutSec = 300
	}
	if c.HTTPClient.MaxIdlePerHost == 0 {
		c.HTTPClient.MaxIdlePerHost = 8
	}
	if c.HTTPClient.RateWaitMaxMs == 0 {
		c.HTTPClient.RateWaitMaxMs = 5000
	}
	if c.HTTPClient.UAMode == "" {
		c.HTTPClient.UAMode = "normal"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks structural consistency; failures exit the process with
// status 2.
func (c *Config) Validate() error {
	if c.HTTPServer.Port < 0 || c.HTTPServer.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.HTTPServer.Port)
	}
	if len(c.VirtualRouter.Providers) == 0 {
		return fmt.Errorf("config: no providers configured")
	}
	switch c.HTTPClient.UAMode {
	case "", "normal", "codex":
	default:
		return fmt.Errorf("config: invalid uaMode %q", c.HTTPClient.UAMode)
	}
	for route, targets := range c.VirtualRouter.Routing {
		if len(targets) == 0 {
			return fmt.Errorf("config: route %q has no targets", route)
		}
		for _, t := range targets {
			providerID, modelID, _, err := ParseTarget(t)
			if err != nil {
				return fmt.Errorf("config: route %q: %w", route, err)
			}
			p, ok := c.VirtualRouter.Providers[providerID]
			if !ok {
				return fmt.Errorf("config: route %q references unknown provider %q", route, providerID)
			}
			if len(p.Models) > 0 {
				if _, ok := p.Models[modelID]; !ok {
					return fmt.Errorf("config: route %q references unknown model %s.%s", route, providerID, modelID)
				}
			}
		}
	}
	if _, ok := c.VirtualRouter.Routing["default"]; !ok && len(c.VirtualRouter.Routing) > 0 {
		return fmt.Errorf("config: routing table has no default route")
	}
	return nil
}

// ParseTarget splits a routing entry "providerId.modelId[:weight]". Model ids
// may themselves contain dots, so the split is on the first dot only.
func ParseTarget(entry string) (providerID, modelID string, weight int, err error) {
	weight = 1
	spec := strings.TrimSpace(entry)
	if i := strings.LastIndex(spec, ":"); i > 0 {
		if w, werr := strconv.Atoi(spec[i+1:]); werr == nil && w > 0 {
			weight = w
			spec = spec[:i]
		}
	}
	providerID, modelID, ok := strings.Cut(spec, ".")
	if !ok || providerID == "" || modelID == "" {
		return "", "", 0, fmt.Errorf("target %q is not providerId.modelId", entry)
	}
	return providerID, modelID, weight, nil
}

// ResolvePath returns the config path from the flag value or
// ROUTECODEX_CONFIG_PATH, preferring the explicit flag.
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := os.Getenv("ROUTECODEX_CONFIG_PATH"); v != "" {
		return v
	}
	return "routecodex.json"
}
