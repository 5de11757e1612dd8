// Package vault owns credential material: API keys, OAuth tokens, their
// rotation, refresh and quarantine lifecycle.
package vault

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/logging"
)

// Credential is a point-in-time view of one account's auth material. The
// vault owns the mutable state; callers treat this as a value.
type Credential struct {
	ID       string
	Provider string
	// Type is "apikey" or "oauth".
	Type   string
	APIKey string
	Token  *Token
	RPM    int
}

// BearerValue returns the header value for the credential.
func (c *Credential) BearerValue() string {
	if c.Type == "oauth" && c.Token != nil {
		return c.Token.AccessToken
	}
	return c.APIKey
}

type accountState int

const (
	stateActive accountState = iota
	stateRefreshing
	stateQuarantined
)

type account struct {
	mu        sync.Mutex
	cred      Credential
	state     accountState
	disabled  bool
	failures  int
	successes int
	nextRetry time.Time
	lastUsed  time.Time
	tokenPath string
}

// Vault loads credentials from configuration and token files and hands them
// to the transport with round-robin rotation and quarantine filtering.
type Vault struct {
	mu       sync.Mutex
	accounts map[string][]*account // providerID -> accounts
	byID     map[string]*account
	rr       map[string]int

	oauth map[string]*config.OAuthConfig
	http  *http.Client
	log   *logging.Logger

	quarantineWindow time.Duration
	failureThreshold int
	successThreshold int

	sf singleflight.Group
}

// New builds the vault from the keyVault section plus inline provider keys.
func New(cfg *config.Config, log *logging.Logger) (*Vault, error) {
	v := &Vault{
		accounts:         map[string][]*account{},
		byID:             map[string]*account{},
		rr:               map[string]int{},
		oauth:            map[string]*config.OAuthConfig{},
		http:             &http.Client{Timeout: 30 * time.Second},
		log:              log,
		quarantineWindow: time.Duration(cfg.VirtualRouter.QuarantineWindowSec) * time.Second,
		failureThreshold: cfg.VirtualRouter.FailureThreshold,
		successThreshold: cfg.VirtualRouter.SuccessThreshold,
	}
	if v.quarantineWindow <= 0 {
		v.quarantineWindow = time.Minute
	}
	if v.failureThreshold <= 0 {
		v.failureThreshold = 3
	}
	if v.successThreshold <= 0 {
		v.successThreshold = 3
	}

	for providerID, p := range cfg.VirtualRouter.Providers {
		if p.OAuth != nil {
			v.oauth[providerID] = p.OAuth
		}
		if p.Auth.APIKey != "" {
			v.add(&account{cred: Credential{
				ID:       providerID + "/inline",
				Provider: providerID,
				Type:     "apikey",
				APIKey:   p.Auth.APIKey,
			}})
		}
		if ref := p.Auth.KeyRef; ref != "" {
			if k, ok := cfg.KeyVault[providerID][ref]; ok && k.Value != "" && !k.Disabled {
				v.add(&account{cred: Credential{
					ID:       providerID + "/" + ref,
					Provider: providerID,
					Type:     "apikey",
					APIKey:   k.Value,
				}})
			} else {
				log.Warnf("vault: provider %s keyRef %q has no usable keyVault entry", providerID, ref)
			}
		}
		if p.OAuth != nil && p.OAuth.AuthDir != "" {
			files, err := CanonicalTokenFiles(p.OAuth.AuthDir, providerID)
			if err != nil {
				log.Warnf("vault: scan %s: %v", p.OAuth.AuthDir, err)
			}
			for _, f := range files {
				tok, err := ReadTokenFile(f)
				if err != nil {
					log.Warnf("vault: token file %s: %v", f, err)
					continue
				}
				v.add(&account{
					cred: Credential{
						ID:       providerID + "/" + strings.TrimSuffix(fileBase(f), ".json"),
						Provider: providerID,
						Type:     "oauth",
						Token:    tok,
					},
					tokenPath: f,
				})
			}
		}
	}

	for providerID, keys := range cfg.KeyVault {
		for keyID, k := range keys {
			acct := &account{disabled: k.Disabled}
			switch strings.ToLower(k.Type) {
			case "oauth":
				cred := Credential{ID: providerID + "/" + keyID, Provider: providerID, Type: "oauth"}
				if k.TokenFile != "" {
					tok, err := ReadTokenFile(k.TokenFile)
					if err != nil {
						log.Warnf("vault: token file %s: %v", k.TokenFile, err)
						continue
					}
					if k.RefreshToken != "" && tok.RefreshToken == "" {
						tok.RefreshToken = k.RefreshToken
					}
					cred.Token = tok
					acct.tokenPath = k.TokenFile
				} else if k.RefreshToken != "" {
					cred.Token = &Token{RefreshToken: k.RefreshToken}
				} else {
					continue
				}
				acct.cred = cred
			default:
				if k.Value == "" {
					continue
				}
				acct.cred = Credential{ID: providerID + "/" + keyID, Provider: providerID, Type: "apikey", APIKey: k.Value}
			}
			v.add(acct)
		}
	}

	return v, nil
}

func (v *Vault) add(a *account) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.byID[a.cred.ID]; ok {
		return
	}
	v.byID[a.cred.ID] = a
	v.accounts[a.cred.Provider] = append(v.accounts[a.cred.Provider], a)
	sort.Slice(v.accounts[a.cred.Provider], func(i, j int) bool {
		return v.accounts[a.cred.Provider][i].cred.ID < v.accounts[a.cred.Provider][j].cred.ID
	})
}

// GetCredential selects an enabled, non-quarantined account for the provider
// using round-robin. When every account is quarantined the one closest to
// retry is returned so the caller can still attempt it.
func (v *Vault) GetCredential(providerID, modelID string) (Credential, error) {
	v.mu.Lock()
	accts := v.accounts[providerID]
	if len(accts) == 0 {
		v.mu.Unlock()
		return Credential{}, gwerr.New(gwerr.KindAuth, "no credentials for provider %s", providerID)
	}
	start := v.rr[providerID]
	v.rr[providerID] = (start + 1) % len(accts)
	v.mu.Unlock()

	now := time.Now()
	var fallback *account
	for i := 0; i < len(accts); i++ {
		a := accts[(start+i)%len(accts)]
		a.mu.Lock()
		// A quarantined account whose window elapsed gets a retry attempt.
		usable := !a.disabled && (a.state != stateQuarantined || now.After(a.nextRetry))
		if usable {
			a.lastUsed = now
			cred := a.cred
			a.mu.Unlock()
			return cred, nil
		}
		if !a.disabled && (fallback == nil || a.nextRetry.Before(fallback.nextRetry)) {
			fallback = a
		}
		a.mu.Unlock()
	}
	if fallback != nil {
		fallback.mu.Lock()
		cred := fallback.cred
		fallback.mu.Unlock()
		return cred, nil
	}
	return Credential{}, gwerr.New(gwerr.KindAuth, "all credentials for provider %s disabled", providerID)
}

// MarkFailure drives the quarantine state machine.
func (v *Vault) MarkFailure(credentialID, reason string) {
	a := v.lookup(credentialID)
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successes = 0
	a.failures++
	if a.failures >= v.failureThreshold {
		a.state = stateQuarantined
		a.nextRetry = time.Now().Add(v.quarantineWindow)
		v.log.Warnf("vault: credential %s quarantined until %s (%s)", credentialID, a.nextRetry.Format(time.RFC3339), reason)
	}
}

// MarkSuccess restores a credential toward active.
func (v *Vault) MarkSuccess(credentialID string) {
	a := v.lookup(credentialID)
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = 0
	a.successes++
	if a.state == stateQuarantined && a.successes >= 1 {
		// First success ends quarantine; full health needs the streak.
		a.state = stateActive
		a.nextRetry = time.Time{}
	}
}

func (v *Vault) lookup(credentialID string) *account {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.byID[credentialID]
}

func fileBase(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Describe lists the provider's account ids, for diagnostics.
func (v *Vault) Describe(providerID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.accounts[providerID]))
	for _, a := range v.accounts[providerID] {
		out = append(out, a.cred.ID)
	}
	return out
}
