package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/gwerr"
)

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers for the same credential collapse into one upstream exchange; the
// account lock is not held across the HTTP call.
func (v *Vault) Refresh(ctx context.Context, credentialID string) (Credential, error) {
	out, err, _ := v.sf.Do("refresh:"+credentialID, func() (interface{}, error) {
		return v.refreshOnce(ctx, credentialID)
	})
	if err != nil {
		return Credential{}, err
	}
	return out.(Credential), nil
}

func (v *Vault) refreshOnce(ctx context.Context, credentialID string) (Credential, error) {
	a := v.lookup(credentialID)
	if a == nil {
		return Credential{}, gwerr.New(gwerr.KindAuth, "unknown credential %s", credentialID)
	}

	a.mu.Lock()
	if a.cred.Type != "oauth" || a.cred.Token == nil {
		a.mu.Unlock()
		return Credential{}, gwerr.New(gwerr.KindAuth, "credential %s is not refreshable", credentialID)
	}
	oc := v.oauth[a.cred.Provider]
	if oc == nil || oc.TokenURL == "" {
		a.mu.Unlock()
		return Credential{}, gwerr.New(gwerr.KindAuth, "provider %s has no token endpoint", a.cred.Provider)
	}
	refreshToken := a.cred.Token.RefreshToken
	tokenPath := a.tokenPath
	a.state = stateRefreshing
	a.mu.Unlock()

	if refreshToken == "" {
		v.failRefresh(a, "no refresh token")
		return Credential{}, gwerr.New(gwerr.KindAuth, "credential %s has no refresh token", credentialID)
	}

	tok, err := v.tokenGrant(ctx, oc, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {oc.ClientID},
	})
	if err != nil {
		v.failRefresh(a, err.Error())
		// A dead refresh token on an interactive setup re-enrolls through
		// the device flow instead of leaving the provider stranded.
		if oc.Interactive && oc.DeviceCodeURL != "" && gwerr.KindOf(err) == gwerr.KindAuth {
			return v.EnrollDeviceFlow(ctx, a.cred.Provider)
		}
		return Credential{}, err
	}
	if tok.RefreshToken == "" {
		// Some issuers omit the refresh token on renewal; keep the old one.
		tok.RefreshToken = refreshToken
	}

	a.mu.Lock()
	a.cred.Token = tok
	a.state = stateActive
	a.failures = 0
	cred := a.cred
	a.mu.Unlock()

	if tokenPath != "" {
		if err := WriteTokenFile(tokenPath, tok); err != nil {
			v.log.Warnf("vault: persist token %s: %v", tokenPath, err)
		}
	}
	v.log.Infof("vault: refreshed credential %s", credentialID)
	return cred, nil
}

func (v *Vault) failRefresh(a *account, reason string) {
	a.mu.Lock()
	a.state = stateQuarantined
	a.nextRetry = time.Now().Add(v.quarantineWindow)
	a.mu.Unlock()
	v.log.Warnf("vault: refresh failed for %s: %s", a.cred.ID, reason)
}

func (v *Vault) tokenGrant(ctx context.Context, oc *config.OAuthConfig, form url.Values) (*Token, error) {
	if oc.ClientSecret != "" {
		form.Set("client_secret", oc.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oc.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindAuth, err, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := v.http.Do(req)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindUpstreamTransient, err, "token endpoint unreachable")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 400 {
		return nil, grantError(resp.StatusCode, body)
	}
	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, gwerr.Wrap(gwerr.KindAuth, err, "parse token response")
	}
	if tok.AccessToken == "" {
		return nil, gwerr.New(gwerr.KindAuth, "token response missing access_token")
	}
	tok.stamp(time.Now())
	return &tok, nil
}

func grantError(status int, body []byte) error {
	var envelope struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &envelope)
	msg := envelope.ErrorDescription
	if msg == "" {
		msg = envelope.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
	}
	if status >= 500 {
		return gwerr.New(gwerr.KindUpstreamTransient, "token endpoint %d: %s", status, msg)
	}
	e := gwerr.New(gwerr.KindAuth, "token grant rejected: %s", msg)
	if envelope.Error != "" {
		return e.WithReason(envelope.Error)
	}
	return e
}

// deviceGrant is the device authorization response.
type deviceGrant struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// EnrollDeviceFlow runs the OAuth device authorization flow for a provider:
// request a device code, surface the verification URL, poll the token
// endpoint until the user approves, then persist the token under the
// provider's auth dir and register the new account.
func (v *Vault) EnrollDeviceFlow(ctx context.Context, providerID string) (Credential, error) {
	oc := v.oauth[providerID]
	if oc == nil || oc.DeviceCodeURL == "" {
		return Credential{}, gwerr.New(gwerr.KindAuth, "provider %s has no device flow configured", providerID)
	}

	form := url.Values{"client_id": {oc.ClientID}}
	if len(oc.Scopes) > 0 {
		form.Set("scope", strings.Join(oc.Scopes, " "))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oc.DeviceCodeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, gwerr.Wrap(gwerr.KindAuth, err, "build device code request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := v.http.Do(req)
	if err != nil {
		return Credential{}, gwerr.Wrap(gwerr.KindUpstreamTransient, err, "device code endpoint unreachable")
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Credential{}, grantError(resp.StatusCode, body)
	}
	var grant deviceGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return Credential{}, gwerr.Wrap(gwerr.KindAuth, err, "parse device code response")
	}
	verifyURL := grant.VerificationURI
	if verifyURL == "" {
		verifyURL = grant.VerificationURL
	}
	v.log.Infof("vault: %s device flow: open %s and enter code %s", providerID, verifyURL, grant.UserCode)
	if oc.Interactive {
		openBrowser(verifyURL)
	}

	interval := time.Duration(grant.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	if grant.ExpiresIn <= 0 {
		deadline = time.Now().Add(10 * time.Minute)
	}

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return Credential{}, gwerr.Wrap(gwerr.KindTimeout, ctx.Err(), "device flow canceled")
		case <-time.After(interval):
		}
		tok, err := v.tokenGrant(ctx, oc, url.Values{
			"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
			"device_code": {grant.DeviceCode},
			"client_id":   {oc.ClientID},
		})
		if err != nil {
			switch gwerr.ReasonOf(err) {
			case "authorization_pending":
				continue
			case "slow_down":
				interval += 5 * time.Second
				continue
			}
			return Credential{}, err
		}

		path := ""
		if oc.AuthDir != "" {
			p, perr := NextTokenPath(oc.AuthDir, providerID)
			if perr == nil {
				path = p
				if werr := WriteTokenFile(path, tok); werr != nil {
					v.log.Warnf("vault: persist enrolled token: %v", werr)
				}
			}
		}
		cred := Credential{
			ID:       fmt.Sprintf("%s/oauth-%d", providerID, len(v.accounts[providerID])+1),
			Provider: providerID,
			Type:     "oauth",
			Token:    tok,
		}
		if path != "" {
			cred.ID = providerID + "/" + strings.TrimSuffix(fileBase(path), ".json")
		}
		v.add(&account{cred: cred, tokenPath: path})
		v.log.Infof("vault: enrolled %s via device flow", cred.ID)
		return cred, nil
	}
	return Credential{}, gwerr.New(gwerr.KindTimeout, "device flow expired before approval")
}

func openBrowser(u string) {
	if u == "" {
		return
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", u)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", u)
	default:
		cmd = exec.Command("xdg-open", u)
	}
	_ = cmd.Start()
}
