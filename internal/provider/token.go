package provider

import (
	"encoding/json"
	"strings"
)

// Token is the plaintext credential bundle sealed into secret_ref.  Older
// rows may hold a bare access token, which ParseToken accepts as well.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExternalID is the provider-side location or account the token belongs to.
	ExternalID string `json:"external_id,omitempty"`
}

// ParseToken decodes a secret bundle.
func ParseToken(secret string) Token {
	s := strings.TrimSpace(secret)
	if strings.HasPrefix(s, "{") {
		var t Token
		if err := json.Unmarshal([]byte(s), &t); err == nil {
			return t
		}
	}
	return Token{AccessToken: s, RefreshToken: s}
}

// Encode returns the JSON form stored (sealed) in the credential store.
func (t Token) Encode() string {
	b, _ := json.Marshal(t)
	return string(b)
}
