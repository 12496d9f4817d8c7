// Package provider exchanges an authorization code with an external identity
// provider and extracts the asserted identity.
package provider

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/keylinehq/keyline/internal/config"
	"github.com/keylinehq/keyline/internal/observability/tracing"
)

const tokenSize = 32

var (
	ErrProviderNotFound = errors.New("identity provider not found")
	ErrExchangeFailed   = errors.New("code exchange failed")
)

// Identity is the provider's assertion about who completed the handshake.
type Identity struct {
	Subject       string
	Email         string
	DisplayName   string
	EmailVerified bool
	// Nonce is the per-flow value echoed inside the provider's assertion.
	Nonce string
}

// Client builds authorization URLs and performs the code exchange against
// whatever providers the security config currently enables.
type Client struct {
	security   *config.SecurityConfigHolder
	httpClient *http.Client
}

func NewClient(security *config.SecurityConfigHolder) *Client {
	return &Client{
		security:   security,
		httpClient: tracing.WrapHTTPClient(http.DefaultClient),
	}
}

// Lookup resolves an enabled provider entry by name.
func (c *Client) Lookup(rawName string) (config.ProviderEntry, error) {
	name := strings.ToLower(strings.TrimSpace(rawName))
	if name == "" {
		return config.ProviderEntry{}, ErrProviderNotFound
	}
	entry, ok := c.security.Current().Providers[name]
	if !ok || !entry.Enabled {
		return config.ProviderEntry{}, ErrProviderNotFound
	}
	return entry, nil
}

// AuthorizeURL builds the provider redirect carrying our encrypted state,
// the flow nonce, and a PKCE challenge.
func (c *Client) AuthorizeURL(entry config.ProviderEntry, redirectURI, state, nonce, codeVerifier string) (string, error) {
	parsed, err := url.Parse(entry.AuthURL)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("response_type", "code")
	query.Set("client_id", entry.ClientID)
	query.Set("redirect_uri", redirectURI)
	if len(entry.Scopes) > 0 {
		query.Set("scope", strings.Join(entry.Scopes, " "))
	}
	query.Set("state", state)
	query.Set("nonce", nonce)
	if codeVerifier != "" {
		query.Set("code_challenge", pkceChallenge(codeVerifier))
		query.Set("code_challenge_method", "S256")
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Exchange trades the authorization code for the provider's identity
// assertion. Mock providers decode the code itself as the identity, which
// keeps flow tests deterministic without a provider round trip.
func (c *Client) Exchange(ctx context.Context, entry config.ProviderEntry, code, redirectURI, codeVerifier string) (Identity, error) {
	if strings.TrimSpace(code) == "" {
		return Identity{}, ErrExchangeFailed
	}
	if entry.Mock {
		return decodeMockIdentity(code)
	}
	if strings.TrimSpace(entry.TokenURL) == "" || strings.TrimSpace(entry.UserInfoURL) == "" {
		return Identity{}, ErrProviderNotFound
	}

	token, err := c.exchangeCode(ctx, entry, code, redirectURI, codeVerifier)
	if err != nil {
		return Identity{}, err
	}
	return c.fetchIdentity(ctx, entry, token)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	IDToken     string `json:"id_token"`
}

func (c *Client) exchangeCode(ctx context.Context, entry config.ProviderEntry, code, redirectURI, codeVerifier string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", entry.ClientID)
	if strings.TrimSpace(entry.ClientSecret) != "" {
		form.Set("client_secret", entry.ClientSecret)
	}
	if strings.TrimSpace(codeVerifier) != "" {
		form.Set("code_verifier", codeVerifier)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, ErrExchangeFailed
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err == nil && token.AccessToken != "" {
		return &token, nil
	}

	// Some providers still answer form-encoded.
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, ErrExchangeFailed
	}
	token.AccessToken = values.Get("access_token")
	token.TokenType = values.Get("token_type")
	token.IDToken = values.Get("id_token")
	if token.AccessToken == "" {
		return nil, ErrExchangeFailed
	}
	return &token, nil
}

func (c *Client) fetchIdentity(ctx context.Context, entry config.ProviderEntry, token *tokenResponse) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.UserInfoURL, nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Identity{}, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Identity{}, ErrExchangeFailed
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return Identity{}, ErrExchangeFailed
	}

	identity := Identity{
		Subject:       firstClaim(payload, "sub", "id", "user_id", "uid"),
		Email:         firstClaim(payload, "email"),
		DisplayName:   firstClaim(payload, "name", "display_name", "login", "username", "preferred_username"),
		EmailVerified: boolClaim(payload, "email_verified"),
		Nonce:         firstClaim(payload, "nonce"),
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.Email
	}

	// The id_token claims take precedence for the nonce and verified flag;
	// the signature is the provider's concern, not ours.
	if claims := idTokenClaims(token.IDToken); claims != nil {
		if nonce := firstClaim(claims, "nonce"); nonce != "" {
			identity.Nonce = nonce
		}
		if _, ok := claims["email_verified"]; ok {
			identity.EmailVerified = boolClaim(claims, "email_verified")
		}
		if identity.Subject == "" {
			identity.Subject = firstClaim(claims, "sub")
		}
		if identity.Email == "" {
			identity.Email = firstClaim(claims, "email")
		}
	}

	if identity.Subject == "" || identity.Email == "" {
		return Identity{}, ErrExchangeFailed
	}
	return identity, nil
}

func idTokenClaims(idToken string) jwt.MapClaims {
	if strings.TrimSpace(idToken) == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil
	}
	return claims
}

func decodeMockIdentity(code string) (Identity, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(code))
	if err != nil {
		return Identity{}, ErrExchangeFailed
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Identity{}, ErrExchangeFailed
	}
	identity := Identity{
		Subject:       firstClaim(payload, "sub"),
		Email:         firstClaim(payload, "email"),
		DisplayName:   firstClaim(payload, "name"),
		EmailVerified: boolClaim(payload, "email_verified"),
		Nonce:         firstClaim(payload, "nonce"),
	}
	if identity.Subject == "" || identity.Email == "" {
		return Identity{}, ErrExchangeFailed
	}
	return identity, nil
}

// EncodeMockCode builds a code a mock provider will decode back into the
// given identity.
func EncodeMockCode(identity Identity) string {
	payload := map[string]any{
		"sub":            identity.Subject,
		"email":          identity.Email,
		"name":           identity.DisplayName,
		"email_verified": identity.EmailVerified,
		"nonce":          identity.Nonce,
	}
	raw, _ := json.Marshal(payload)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func firstClaim(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := payload[key]; ok {
			if str := claimToString(value); str != "" {
				return str
			}
		}
	}
	return ""
}

func claimToString(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func boolClaim(payload map[string]any, key string) bool {
	switch v := payload[key].(type) {
	case bool:
		return v
	case string:
		parsed, err := strconv.ParseBool(v)
		return err == nil && parsed
	default:
		return false
	}
}

// NewCodeVerifier returns a fresh PKCE verifier.
func NewCodeVerifier() (string, error) {
	return randomToken(tokenSize)
}

// NewNonce returns a fresh per-flow nonce.
func NewNonce() (string, error) {
	return randomToken(tokenSize)
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
