// Package models defines types shared across internal packages.
package models

import "time"

// Identity holds the descriptive attributes the provider reports for a
// subject. Only SubjectID takes part in ownership checks.
type Identity struct {
	SubjectID   string `json:"subjectId"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ProviderTokens is the token set returned by a completed consent flow.
type ProviderTokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       *time.Time
	Scopes       []string
}

// RefreshedToken is the result of exchanging a refresh token. Expiry is
// nil when the provider did not report one.
type RefreshedToken struct {
	AccessToken string
	Expiry      *time.Time
}

// CredentialRecord maps one opaque API key to a provider credential set.
// AccessToken and AccessTokenExpiry are always written together. A record
// with Active=false never resolves again.
type CredentialRecord struct {
	Key               string     `json:"key"`
	SubjectID         string     `json:"subjectId"`
	Email             string     `json:"email,omitempty"`
	DisplayName       string     `json:"displayName,omitempty"`
	AvatarURL         string     `json:"avatarUrl,omitempty"`
	AccessToken       string     `json:"accessToken"`
	RefreshToken      string     `json:"refreshToken,omitempty"`
	AccessTokenExpiry *time.Time `json:"accessTokenExpiry"`
	GrantedScopes     []string   `json:"grantedScopes"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastUsedAt        time.Time  `json:"lastUsedAt"`
	Active            bool       `json:"active"`
}

// Identity returns the identity attributes stored on the record.
func (r CredentialRecord) Identity() Identity {
	return Identity{
		SubjectID:   r.SubjectID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		AvatarURL:   r.AvatarURL,
	}
}

// Summary returns the non-secret metadata for the record.
func (r CredentialRecord) Summary() KeySummary {
	return KeySummary{
		Key:               r.Key,
		CreatedAt:         r.CreatedAt,
		LastUsedAt:        r.LastUsedAt,
		Active:            r.Active,
		AccessTokenExpiry: r.AccessTokenExpiry,
	}
}

// Clone returns a deep copy so callers never share the scope slice or
// expiry pointer with the manager's copy.
func (r CredentialRecord) Clone() CredentialRecord {
	c := r
	if r.AccessTokenExpiry != nil {
		exp := *r.AccessTokenExpiry
		c.AccessTokenExpiry = &exp
	}
	if r.GrantedScopes != nil {
		c.GrantedScopes = append([]string(nil), r.GrantedScopes...)
	}
	return c
}

// KeySummary is the listing view of a record. It carries no tokens.
type KeySummary struct {
	Key               string     `json:"key"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastUsedAt        time.Time  `json:"lastUsedAt"`
	Active            bool       `json:"active"`
	AccessTokenExpiry *time.Time `json:"accessTokenExpiry"`
}
