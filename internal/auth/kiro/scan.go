package kiroauth

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"
)

// ScannedToken is one credential discovered in a local cache file.
type ScannedToken struct {
	Path         string    `json:"path"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	ClientID     string    `json:"-"`
	ClientSecret string    `json:"-"`
	ProfileArn   string    `json:"profile_arn,omitempty"`
	Region       string    `json:"region,omitempty"`
	AuthMethod   string    `json:"auth_method,omitempty"`
	HasRefresh   bool      `json:"has_refresh_token"`
}

// ScanError records a file that could not be parsed.
type ScanError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// ScanResult holds everything found across the configured paths.
type ScanResult struct {
	Tokens []ScannedToken `json:"tokens"`
	Errors []ScanError    `json:"errors,omitempty"`
}

// ssoCacheFile is the union of shapes found in ~/.aws/sso/cache: token
// files carry accessToken/refreshToken, device registration files carry
// clientId/clientSecret keyed by the clientIdHash file name.
type ssoCacheFile struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	ClientIDHash string `json:"clientIdHash"`
	ProfileArn   string `json:"profileArn"`
	Region       string `json:"region"`
	AuthMethod   string `json:"authMethod"`
}

// Scan globs the given path patterns for cached credentials. Token files
// missing clientId/clientSecret are completed from the sibling device
// registration file named by their clientIdHash.
func Scan(patterns []string) *ScanResult {
	result := &ScanResult{Tokens: make([]ScannedToken, 0)}

	for _, pattern := range patterns {
		matches, err := filepath.Glob(expandHome(pattern))
		if err != nil {
			result.Errors = append(result.Errors, ScanError{Path: pattern, Error: err.Error()})
			continue
		}
		for _, path := range matches {
			tok, err := parseTokenFile(path)
			if err != nil {
				result.Errors = append(result.Errors, ScanError{Path: path, Error: err.Error()})
				continue
			}
			if tok == nil {
				continue // registration-only file, not a token
			}
			result.Tokens = append(result.Tokens, *tok)
		}
	}

	log.Printf("🔍 Token scan: found %d credentials (%d errors)", len(result.Tokens), len(result.Errors))
	return result
}

func parseTokenFile(path string) (*ScannedToken, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw ssoCacheFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.AccessToken == "" && raw.RefreshToken == "" {
		return nil, nil
	}

	tok := &ScannedToken{
		Path:         path,
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		ClientID:     raw.ClientID,
		ClientSecret: raw.ClientSecret,
		ProfileArn:   raw.ProfileArn,
		Region:       raw.Region,
		AuthMethod:   raw.AuthMethod,
		HasRefresh:   raw.RefreshToken != "",
	}
	if raw.ExpiresAt != "" {
		if parsed, err := time.Parse(time.RFC3339, raw.ExpiresAt); err == nil {
			tok.ExpiresAt = parsed
		}
	}

	// Complete missing client credentials from the device registration
	// file named by the clientIdHash.
	if (tok.ClientID == "" || tok.ClientSecret == "") && raw.ClientIDHash != "" {
		regPath := filepath.Join(filepath.Dir(path), raw.ClientIDHash+".json")
		if regData, err := os.ReadFile(regPath); err == nil {
			var reg ssoCacheFile
			if err := json.Unmarshal(regData, &reg); err == nil {
				if tok.ClientID == "" {
					tok.ClientID = reg.ClientID
				}
				if tok.ClientSecret == "" {
					tok.ClientSecret = reg.ClientSecret
				}
			}
		}
	}
	return tok, nil
}

func expandHome(pattern string) string {
	if len(pattern) >= 2 && pattern[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, pattern[2:])
		}
	}
	return pattern
}
