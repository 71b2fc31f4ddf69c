// Package auth implements the per-route OAuth2 authorization-code flow that
// feeds the session gate.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/session"
)

const stateTTL = 10 * time.Minute

// UserInfo is the identity extracted from the provider's userinfo endpoint.
type UserInfo struct {
	ID    string
	Name  string
	Email string
}

// Authenticator runs the authorization-code flow for one route.
type Authenticator struct {
	routeName    string
	provider     string
	oauth        *oauth2.Config
	userInfo     string
	callbackPath string
	timeout      time.Duration
	client       *http.Client

	mu     sync.Mutex
	states map[string]stateEntry
}

type stateEntry struct {
	returnPath string
	expires    time.Time
}

// New builds an Authenticator from route config. Credentials still holding
// ${VAR} placeholders are rejected; the flow must never run with them.
func New(routeName string, cfg *config.OAuth2Config) (*Authenticator, error) {
	for name, v := range map[string]string{
		"clientId":     cfg.ClientID,
		"clientSecret": cfg.ClientSecret,
		"callbackUrl":  cfg.CallbackURL,
	} {
		if v == "" {
			return nil, fmt.Errorf("oauth2 for route %s: %s is required", routeName, name)
		}
		if strings.Contains(v, "${") {
			return nil, fmt.Errorf("oauth2 for route %s: %s contains an unexpanded placeholder", routeName, name)
		}
	}

	endpoint, err := providerEndpoint(cfg)
	if err != nil {
		return nil, fmt.Errorf("oauth2 for route %s: %w", routeName, err)
	}

	callback, err := url.Parse(cfg.CallbackURL)
	if err != nil || callback.Path == "" {
		return nil, fmt.Errorf("oauth2 for route %s: callbackUrl must be an absolute URL with a path", routeName)
	}

	timeout := config.DefaultSessionTimeoutMs * time.Millisecond
	if cfg.SessionTimeout > 0 {
		timeout = time.Duration(cfg.SessionTimeout) * time.Millisecond
	}

	return &Authenticator{
		routeName:    routeName,
		provider:     cfg.Provider,
		callbackPath: callback.Path,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		userInfo: cfg.UserInfoURL,
		timeout:  timeout,
		client:   &http.Client{Timeout: 10 * time.Second},
		states:   make(map[string]stateEntry),
	}, nil
}

func providerEndpoint(cfg *config.OAuth2Config) (oauth2.Endpoint, error) {
	if cfg.AuthURL != "" && cfg.TokenURL != "" {
		return oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}, nil
	}
	switch strings.ToLower(cfg.Provider) {
	case "github":
		return endpoints.GitHub, nil
	case "google":
		return endpoints.Google, nil
	default:
		return oauth2.Endpoint{}, fmt.Errorf("provider %q needs explicit authUrl and tokenUrl", cfg.Provider)
	}
}

// CallbackPath is the request path the provider redirects back to.
func (a *Authenticator) CallbackPath() string {
	return a.callbackPath
}

// SessionTimeout is the sliding expiry used for sessions this route creates.
func (a *Authenticator) SessionTimeout() time.Duration {
	return a.timeout
}

// Provider returns the configured provider name.
func (a *Authenticator) Provider() string {
	return a.provider
}

// BeginAuthorization returns the provider redirect URL for a new flow. The
// state token binds the callback to returnPath.
func (a *Authenticator) BeginAuthorization(returnPath string) (string, error) {
	state, err := session.NewID()
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.pruneLocked()
	a.states[state] = stateEntry{returnPath: returnPath, expires: time.Now().Add(stateTTL)}
	a.mu.Unlock()

	return a.oauth.AuthCodeURL(state), nil
}

// HandleCallback validates the state, exchanges the code, and fetches the
// user identity. It returns the identity and the original return path.
func (a *Authenticator) HandleCallback(ctx context.Context, query url.Values) (*UserInfo, string, error) {
	if errCode := query.Get("error"); errCode != "" {
		return nil, "", fmt.Errorf("provider returned error: %s", errCode)
	}

	state := query.Get("state")
	a.mu.Lock()
	entry, ok := a.states[state]
	delete(a.states, state)
	a.mu.Unlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, "", fmt.Errorf("invalid or expired state")
	}

	code := query.Get("code")
	if code == "" {
		return nil, "", fmt.Errorf("missing authorization code")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	token, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, "", fmt.Errorf("token exchange failed: %w", err)
	}

	user, err := a.fetchUserInfo(ctx, token)
	if err != nil {
		return nil, "", err
	}
	return user, entry.returnPath, nil
}

// fetchUserInfo queries the provider's userinfo endpoint with the token.
func (a *Authenticator) fetchUserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error) {
	endpoint := a.userInfo
	if endpoint == "" {
		switch strings.ToLower(a.provider) {
		case "github":
			endpoint = "https://api.github.com/user"
		case "google":
			endpoint = "https://openidconnect.googleapis.com/v1/userinfo"
		default:
			return nil, fmt.Errorf("provider %q needs an explicit userInfoUrl", a.provider)
		}
	}

	resp, err := a.oauth.Client(ctx, token).Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw struct {
		Sub   string          `json:"sub"`
		ID    json.RawMessage `json:"id"`
		Login string          `json:"login"`
		Name  string          `json:"name"`
		Email string          `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding userinfo: %w", err)
	}

	user := &UserInfo{Name: raw.Name, Email: raw.Email}
	switch {
	case raw.Sub != "":
		user.ID = raw.Sub
	case len(raw.ID) > 0:
		user.ID = strings.Trim(string(raw.ID), `"`)
	case raw.Login != "":
		user.ID = raw.Login
	default:
		return nil, fmt.Errorf("userinfo response has no usable identifier")
	}
	if user.Name == "" {
		user.Name = raw.Login
	}
	return user, nil
}

// pruneLocked drops expired pending states. Caller holds the mutex.
func (a *Authenticator) pruneLocked() {
	now := time.Now()
	for state, entry := range a.states {
		if now.After(entry.expires) {
			delete(a.states, state)
		}
	}
}
