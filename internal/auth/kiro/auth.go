// Package kiroauth talks to the Kiro credential endpoints: AWS SSO OIDC
// for Builder-ID / device-code accounts and the Kiro desktop auth service
// for social (Google/GitHub) accounts.
package kiroauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultRegion hosts the shared Kiro OIDC deployment.
	DefaultRegion = "us-east-1"

	// KiroStartURL is the issuer used when registering OIDC clients.
	KiroStartURL = "https://view.awsapps.com/start"

	// KiroAuthBase is the Kiro desktop auth service used by social accounts.
	KiroAuthBase = "https://prod.us-east-1.auth.desktop.kiro.dev"

	requestTimeout = 30 * time.Second
)

// TokenData is the result of a login or refresh.
type TokenData struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	ProfileArn   string    `json:"profileArn,omitempty"`
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	Region       string    `json:"region,omitempty"`
	AuthMethod   string    `json:"authMethod,omitempty"`
	Provider     string    `json:"provider,omitempty"`
}

// Client issues credential requests against the OIDC and Kiro auth hosts.
type Client struct {
	httpClient *http.Client
	oidcBase   string // overridable for tests
	kiroBase   string
}

// NewClient builds an auth client with production endpoints.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// NewClientWithBases builds an auth client against custom endpoints (tests).
func NewClientWithBases(oidcBase, kiroBase string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		oidcBase:   oidcBase,
		kiroBase:   kiroBase,
	}
}

func (c *Client) oidcURL(region string) string {
	if c.oidcBase != "" {
		return c.oidcBase
	}
	if region == "" {
		region = DefaultRegion
	}
	return fmt.Sprintf("https://oidc.%s.amazonaws.com", region)
}

func (c *Client) kiroURL() string {
	if c.kiroBase != "" {
		return c.kiroBase
	}
	return KiroAuthBase
}

func (c *Client) postJSON(ctx context.Context, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// APIError carries the upstream auth status for category mapping.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth endpoint returned %d: %s", e.Status, e.Body)
}

// Permanent reports whether the failure means the credential lineage is
// dead (re-login required) rather than a transient outage.
func (e *APIError) Permanent() bool {
	if e.Status == http.StatusBadRequest || e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return true
	}
	msg := strings.ToLower(e.Body)
	for _, marker := range []string{"invalid_grant", "invalid_client", "unauthorized_client", "expired", "revoked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RefreshSSO refreshes a device-code / scanned credential via AWS SSO OIDC
// CreateToken with the refresh_token grant.
func (c *Client) RefreshSSO(ctx context.Context, clientID, clientSecret, refreshToken, region string) (*TokenData, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("sso refresh: clientId and clientSecret are required")
	}
	var resp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	payload := map[string]string{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"grantType":    "refresh_token",
		"refreshToken": refreshToken,
	}
	if err := c.postJSON(ctx, c.oidcURL(region)+"/token", payload, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("sso refresh: response missing accessToken")
	}
	newRefresh := resp.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	return &TokenData{
		AccessToken:  resp.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Region:       region,
	}, nil
}

// RefreshSocial refreshes a social-provider credential via the Kiro
// desktop auth service.
func (c *Client) RefreshSocial(ctx context.Context, refreshToken string) (*TokenData, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("social refresh: refresh token is required")
	}
	var resp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
		ExpiresAt    string `json:"expiresAt"`
		ProfileArn   string `json:"profileArn"`
	}
	payload := map[string]string{"refreshToken": refreshToken}
	if err := c.postJSON(ctx, c.kiroURL()+"/refreshToken", payload, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("social refresh: response missing accessToken")
	}
	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if resp.ExpiresAt != "" {
		if parsed, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil {
			expiresAt = parsed
		}
	}
	newRefresh := resp.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	return &TokenData{
		AccessToken:  resp.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    expiresAt,
		ProfileArn:   resp.ProfileArn,
	}, nil
}
