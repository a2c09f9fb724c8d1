package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/oauth2"

	"github.com/roach88/compsync/internal/model"
)

// tokenRequest is the JSON body of the client-credentials exchange.
type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
	GrantType    string `json:"grant_type"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// credentialTokenSource exchanges a tenant credential for an access token.
// The endpoint takes a JSON body, which oauth2/clientcredentials does not
// support, so the exchange is done here and cached by oauth2.ReuseTokenSource.
// Expiry is wall-clock time: oauth2 checks it against time.Now.
type credentialTokenSource struct {
	httpClient *http.Client
	tokenURL   string
	cred       model.Credential
	maxTTL     time.Duration
	timeout    time.Duration
}

func (s *credentialTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	grant := s.cred.GrantType
	if grant == "" {
		grant = "client_credentials"
	}
	body, err := json.Marshal(tokenRequest{
		ClientID:     s.cred.ClientID,
		ClientSecret: s.cred.ClientSecret,
		Scope:        s.cred.Scope,
		GrantType:    grant,
	})
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response: missing access_token")
	}

	ttl := s.maxTTL
	if tr.ExpiresIn > 0 && time.Duration(tr.ExpiresIn)*time.Second < ttl {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tokenType,
		Expiry:      time.Now().Add(ttl),
	}, nil
}

// tokenKey identifies one credential version. A rotated secret under the same
// client ID gets a new key, so a running process never reuses the old token.
type tokenKey struct {
	tenantID     int64
	credentialID int64
	clientID     string
	secretHash   uint64
}

func newTokenKey(tenantID int64, cred model.Credential) tokenKey {
	return tokenKey{
		tenantID:     tenantID,
		credentialID: cred.ID,
		clientID:     cred.ClientID,
		secretHash:   xxhash.Sum64String(cred.ClientSecret),
	}
}
