package kiroauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// DeviceFlowState tracks one in-progress device-code login. At most one
// flow is active at a time; starting a new one replaces the old.
type DeviceFlowState struct {
	ClientID        string    `json:"-"`
	ClientSecret    string    `json:"-"`
	DeviceCode      string    `json:"-"`
	UserCode        string    `json:"user_code"`
	VerificationURI string    `json:"verification_uri"`
	ExpiresAt       time.Time `json:"expires_at"`
	Interval        int       `json:"interval"`
	Region          string    `json:"region"`
}

// DeviceFlow owns the device-code login state machine. The browser half of
// the flow is external; this side registers the client, starts the
// authorization, and polls for the token.
type DeviceFlow struct {
	client *Client
	mu     sync.Mutex
	state  *DeviceFlowState
}

// NewDeviceFlow builds a device flow against the given auth client.
func NewDeviceFlow(client *Client) *DeviceFlow {
	return &DeviceFlow{client: client}
}

// Start registers an OIDC client and begins device authorization.
// Returns the user-facing verification details.
func (f *DeviceFlow) Start(ctx context.Context, region string) (*DeviceFlowState, error) {
	if region == "" {
		region = DefaultRegion
	}
	base := f.client.oidcURL(region)

	var reg struct {
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
	}
	err := f.client.postJSON(ctx, base+"/client/register", map[string]interface{}{
		"clientName": "Kiro Proxy",
		"clientType": "public",
		"scopes":     []string{"codewhisperer:completions", "codewhisperer:analysis", "codewhisperer:conversations"},
		"grantTypes": []string{"urn:ietf:params:oauth:grant-type:device_code", "refresh_token"},
		"issuerUrl":  KiroStartURL,
	}, &reg)
	if err != nil {
		return nil, fmt.Errorf("register oidc client: %w", err)
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		return nil, fmt.Errorf("register oidc client: response missing clientId or clientSecret")
	}

	var auth struct {
		DeviceCode              string `json:"deviceCode"`
		UserCode                string `json:"userCode"`
		VerificationURI         string `json:"verificationUri"`
		VerificationURIComplete string `json:"verificationUriComplete"`
		ExpiresIn               int    `json:"expiresIn"`
		Interval                int    `json:"interval"`
	}
	err = f.client.postJSON(ctx, base+"/device_authorization", map[string]string{
		"clientId":     reg.ClientID,
		"clientSecret": reg.ClientSecret,
		"startUrl":     KiroStartURL,
	}, &auth)
	if err != nil {
		return nil, fmt.Errorf("start device authorization: %w", err)
	}

	verification := auth.VerificationURIComplete
	if verification == "" {
		verification = auth.VerificationURI
	}
	interval := auth.Interval
	if interval <= 0 {
		interval = 5
	}
	state := &DeviceFlowState{
		ClientID:        reg.ClientID,
		ClientSecret:    reg.ClientSecret,
		DeviceCode:      auth.DeviceCode,
		UserCode:        auth.UserCode,
		VerificationURI: verification,
		ExpiresAt:       time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second),
		Interval:        interval,
		Region:          region,
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	log.Printf("🔑 Device flow started, user code: %s", auth.UserCode)
	return state, nil
}

// ErrAuthorizationPending is reported while the user has not finished the
// browser side of the flow.
var ErrAuthorizationPending = fmt.Errorf("authorization pending")

// Poll attempts the token exchange once. Returns ErrAuthorizationPending
// while the user has not completed the browser step.
func (f *DeviceFlow) Poll(ctx context.Context) (*TokenData, error) {
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()
	if state == nil {
		return nil, fmt.Errorf("no device flow in progress")
	}
	if time.Now().After(state.ExpiresAt) {
		f.Cancel()
		return nil, fmt.Errorf("device flow expired")
	}

	var resp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	err := f.client.postJSON(ctx, f.client.oidcURL(state.Region)+"/token", map[string]string{
		"clientId":     state.ClientID,
		"clientSecret": state.ClientSecret,
		"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
		"deviceCode":   state.DeviceCode,
	}, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && strings.Contains(strings.ToLower(apiErr.Body), "authorization_pending") {
			return nil, ErrAuthorizationPending
		}
		return nil, err
	}

	f.Cancel()
	return &TokenData{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		ClientID:     state.ClientID,
		ClientSecret: state.ClientSecret,
		Region:       state.Region,
		AuthMethod:   "device-code",
	}, nil
}

// Cancel drops any in-progress flow.
func (f *DeviceFlow) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	had := f.state != nil
	f.state = nil
	return had
}

// State returns the current flow state, if any.
func (f *DeviceFlow) State() *DeviceFlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

