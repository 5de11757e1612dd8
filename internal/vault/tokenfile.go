package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// Token is the on-disk OAuth token record. ExpiresAt is absolute seconds,
// derived from issued_at + expires_in with a safety margin at write time.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	IssuedAt     int64  `json:"issued_at,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Email        string `json:"email,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
}

const expirySkew = 60 * time.Second

// Expired reports whether the access token is past (or within the skew of)
// its expiry. Tokens with no recorded expiry are treated as live.
func (t *Token) Expired() bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() >= t.ExpiresAt
}

// stamp fills issued_at/expires_at after a grant response.
func (t *Token) stamp(now time.Time) {
	t.IssuedAt = now.Unix()
	if t.ExpiresIn > 0 {
		t.ExpiresAt = now.Add(time.Duration(t.ExpiresIn)*time.Second - expirySkew).Unix()
	}
}

// ReadTokenFile loads one token record.
func ReadTokenFile(path string) (*Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s has no usable token", path)
	}
	return &tok, nil
}

// WriteTokenFile persists the record with owner-only permissions via a
// rename so readers never observe a partial write.
func WriteTokenFile(path string, tok *Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var tokenFileRe = regexp.MustCompile(`^(.+)-oauth-(\d+)\.json$`)

// CanonicalTokenFiles scans dir for <provider>-oauth-<seq>.json files,
// deduplicates by sequence keeping the lexicographically first name, and
// returns the survivors sorted by sequence.
func CanonicalTokenFiles(dir, provider string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	bySeq := map[string]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := tokenFileRe.FindStringSubmatch(e.Name())
		if m == nil || m[1] != provider {
			continue
		}
		seq := m[2]
		if prev, ok := bySeq[seq]; !ok || e.Name() < fileBase(prev) {
			bySeq[seq] = filepath.Join(dir, e.Name())
		}
	}
	seqs := make([]string, 0, len(bySeq))
	for s := range bySeq {
		seqs = append(seqs, s)
	}
	sort.Strings(seqs)
	out := make([]string, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, bySeq[s])
	}
	return out, nil
}

// NextTokenPath returns the canonical filename for a newly enrolled account.
func NextTokenPath(dir, provider string) (string, error) {
	existing, err := CanonicalTokenFiles(dir, provider)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%s-oauth-%d.json", provider, len(existing)+1)), nil
}
