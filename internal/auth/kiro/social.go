package kiroauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// socialClientID identifies this gateway to the Kiro desktop auth service.
const socialClientID = "kiro-proxy-local"

// SocialFlow drives the authorization-code half of social (Google/GitHub)
// login. The browser redirect is handled externally; this side builds the
// login URL and exchanges the returned code.
type SocialFlow struct {
	client *Client
	mu     sync.Mutex
	state  string
	verif  string
	prov   string
}

// NewSocialFlow builds a social login flow against the given auth client.
func NewSocialFlow(client *Client) *SocialFlow {
	return &SocialFlow{client: client}
}

func (f *SocialFlow) oauthConfig() *oauth2.Config {
	base := f.client.kiroURL()
	return &oauth2.Config{
		ClientID:    socialClientID,
		RedirectURL: "http://127.0.0.1:8080/api/kiro/social/exchange",
		Endpoint: oauth2.Endpoint{
			AuthURL:  base + "/oauth2/authorize",
			TokenURL: base + "/oauth2/token",
		},
		Scopes: []string{"openid", "profile"},
	}
}

// Start returns the browser login URL for the chosen provider
// ("google" or "github") with a fresh state and PKCE verifier.
func (f *SocialFlow) Start(provider string) (string, string, error) {
	if provider != "google" && provider != "github" {
		return "", "", fmt.Errorf("unsupported social provider: %s", provider)
	}
	state := randomToken(16)
	verifier := oauth2.GenerateVerifier()

	f.mu.Lock()
	f.state = state
	f.verif = verifier
	f.prov = provider
	f.mu.Unlock()

	url := f.oauthConfig().AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("idp", provider),
	)
	return url, state, nil
}

// Exchange trades the authorization code for tokens. The state must match
// the one issued by Start.
func (f *SocialFlow) Exchange(ctx context.Context, code, state string) (*TokenData, error) {
	f.mu.Lock()
	wantState, verifier, provider := f.state, f.verif, f.prov
	f.state, f.verif, f.prov = "", "", ""
	f.mu.Unlock()

	if wantState == "" || state != wantState {
		return nil, fmt.Errorf("social exchange: state mismatch")
	}

	tok, err := f.oauthConfig().Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("social exchange: %w", err)
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}
	profileArn, _ := tok.Extra("profileArn").(string)
	return &TokenData{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
		ProfileArn:   profileArn,
		AuthMethod:   "social",
		Provider:     provider,
	}, nil
}

func randomToken(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
