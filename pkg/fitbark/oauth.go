package fitbark

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

const (
	tokenPath        = "/oauth/token"
	redirectURLsPath = "/api/v2/redirect_urls"
)

// ExchangeCode trades a temporary authorization code for a user token.
func (c *Client) ExchangeCode(ctx context.Context, creds Credentials, code string, redirectURI string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return c.token(ctx, creds, form)
}

// RefreshToken mints a new access token; the answer may omit a new refresh token.
func (c *Client) RefreshToken(ctx context.Context, creds Credentials, refreshToken string, redirectURI string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("redirect_uri", redirectURI)
	return c.token(ctx, creds, form)
}

// ClientCredentialsToken obtains an application token scoped to redirect URI management.
func (c *Client) ClientCredentialsToken(ctx context.Context, creds Credentials) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", RedirectScope)
	tok, err := c.token(ctx, creds, form)
	if err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, protocolError(tokenPath, "client credentials grant returned no access_token")
	}
	return tok, nil
}

// token returns the decoded answer as is: an empty access token is for the caller to handle.
func (c *Client) token(ctx context.Context, creds Credentials, form url.Values) (*Token, error) {
	form.Set("client_id", creds.ClientId)
	form.Set("client_secret", creds.ClientSecret)
	var tok Token
	if err := c.postForm(ctx, tokenPath, form, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// GetRedirectURLs returns the raw, separator-joined list of registered redirect URIs.
func (c *Client) GetRedirectURLs(ctx context.Context, clientToken string) (string, error) {
	var out redirectURLs
	if err := c.get(ctx, redirectURLsPath, nil, clientToken, &out); err != nil {
		return "", err
	}
	if out.RedirectURI == nil {
		return "", protocolError(redirectURLsPath, "missing redirect_uri")
	}
	return *out.RedirectURI, nil
}

// SetRedirectURLs replaces the registered redirect URIs with uris.
func (c *Client) SetRedirectURLs(ctx context.Context, clientToken string, uris []string) (string, error) {
	joined := JoinRedirectURIs(uris)
	var out redirectURLs
	if err := c.sendJSON(ctx, http.MethodPost, redirectURLsPath, clientToken, redirectURLs{RedirectURI: &joined}, &out); err != nil {
		return "", err
	}
	if out.RedirectURI == nil {
		return "", nil
	}
	return *out.RedirectURI, nil
}

// SplitRedirectURIs parses the registered URIs, separated by spaces or record separators.
func SplitRedirectURIs(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == '\r' || r == '\n' || r == '\t' || r == '\x1e'
	})
}

func JoinRedirectURIs(uris []string) string {
	return strings.Join(uris, " ")
}
