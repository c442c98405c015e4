package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ddkit/ddk/internal/errs"
)

// OAuthProvider is a generic PKCE-capable OAuth2 identity provider, grounded
// in the exchange mechanics of a standard authorization-code flow. The
// concrete identity backend is out of scope (spec.md §1); this is the shape
// any real backend plugs into.
type OAuthProvider struct {
	ClientID     string
	ClientSecret string
	AuthEndpoint string
	TokenEndpoint string
	UserEndpoint  string

	httpClient *http.Client
}

// NewOAuthProvider builds an OAuthProvider with a sane default HTTP client.
func NewOAuthProvider(clientID, clientSecret, authEndpoint, tokenEndpoint, userEndpoint string) *OAuthProvider {
	return &OAuthProvider{
		ClientID: clientID, ClientSecret: clientSecret,
		AuthEndpoint: authEndpoint, TokenEndpoint: tokenEndpoint, UserEndpoint: userEndpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *OAuthProvider) Name() string { return "oauth" }

// AuthURL builds the authorization URL with PKCE S256 challenge derived from
// codeVerifier.
func (p *OAuthProvider) AuthURL(state, codeVerifier string) string {
	sum := sha256.Sum256([]byte(codeVerifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	v := url.Values{}
	v.Set("client_id", p.ClientID)
	v.Set("response_type", "code")
	v.Set("state", state)
	v.Set("code_challenge", challenge)
	v.Set("code_challenge_method", "S256")
	return p.AuthEndpoint + "?" + v.Encode()
}

func (p *OAuthProvider) Exchange(ctx context.Context, code, codeVerifier string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", p.ClientID)
	form.Set("client_secret", p.ClientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", codeVerifier)
	return p.requestToken(ctx, form)
}

func (p *OAuthProvider) Refresh(ctx context.Context, refreshMaterial string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", p.ClientID)
	form.Set("client_secret", p.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshMaterial)
	return p.requestToken(ctx, form)
}

func (p *OAuthProvider) requestToken(ctx context.Context, form url.Values) (TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, errs.Wrap(err, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, errs.Wrap(err, "token request")
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Error        string `json:"error"`
		ErrorDesc    string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return TokenResponse{}, errs.Wrap(err, "decode token response")
	}
	if body.Error != "" {
		return TokenResponse{}, errs.Newf("identity provider error: %s (%s)", body.Error, body.ErrorDesc)
	}
	if body.AccessToken == "" {
		return TokenResponse{}, errs.New("identity provider returned no access token")
	}

	expiresIn := body.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	return TokenResponse{
		AccessToken:     body.AccessToken,
		RefreshMaterial: body.RefreshToken,
		ExpiresAt:       time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func (p *OAuthProvider) UserInfo(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserEndpoint, nil)
	if err != nil {
		return "", errs.Wrap(err, "build userinfo request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", errs.Wrap(err, "userinfo request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errs.Newf("userinfo request failed: status %s", strconv.Itoa(resp.StatusCode))
	}

	var body struct {
		Login string `json:"login"`
		Email string `json:"email"`
		Sub   string `json:"sub"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errs.Wrap(err, "decode userinfo response")
	}
	switch {
	case body.Login != "":
		return body.Login, nil
	case body.Email != "":
		return body.Email, nil
	default:
		return body.Sub, nil
	}
}
