package winningbid_client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcdev12/winningbid/go/clients"
)

// Tokens is the access/refresh pair issued by the auth endpoints
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// AuthClient calls the token endpoints. It carries no session of its own so a
// refresh never recurses into another refresh.
type AuthClient struct {
	*clients.BaseClient
}

func NewAuthClient(baseURL string) *AuthClient {
	if baseURL == "" {
		baseURL = BaseURL
	}
	return &AuthClient{BaseClient: clients.NewBaseClient(baseURL)}
}

// RefreshTokens exchanges a refresh token for a new access token. When the
// server does not rotate the refresh token the old one is returned.
func (c *AuthClient) RefreshTokens(ctx context.Context, refreshToken string) (Tokens, error) {
	body, err := c.Post(ctx, RefreshTokenEndpoint, map[string]string{"token": refreshToken})
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to refresh token: %w", err)
	}

	var payload struct {
		AccessToken     string `json:"accessToken"`
		RefreshToken    string `json:"refreshToken"`
		NewRefreshToken string `json:"newRefreshToken"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Tokens{}, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}
	if payload.AccessToken == "" {
		return Tokens{}, errors.New("refresh response carried no access token")
	}

	tokens := Tokens{AccessToken: payload.AccessToken, RefreshToken: refreshToken}
	switch {
	case payload.NewRefreshToken != "":
		tokens.RefreshToken = payload.NewRefreshToken
	case payload.RefreshToken != "":
		tokens.RefreshToken = payload.RefreshToken
	}
	return tokens, nil
}
