// Package token exchanges GitHub credentials for short-lived runner
// registration tokens.
//
// Two credential types are supported, mirroring the config layer: a
// personal access token used directly, or a GitHub App whose signed JWT
// is traded for an installation token first.  Installation tokens are
// cached until shortly before they expire.
package token

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v57/github"
)

// Config holds the credentials and API location.
type Config struct {
	// BaseURL is the GitHub Enterprise Server URL
	// (e.g. https://ghe.example.com/).  Empty means github.com.
	BaseURL string

	// Token is a personal access token.  Ignored when App is set.
	Token string

	// App holds GitHub App credentials.
	App *AppConfig

	// HTTPClient supplies the Transport and Timeout for API calls.  The
	// client itself is never modified.  Default: http.DefaultTransport.
	HTTPClient *http.Client
}

// AppConfig identifies a GitHub App installation.
type AppConfig struct {
	ClientID       string
	InstallationID int64
	PrivateKey     []byte // PEM
}

// Client fetches registration tokens.  It is safe for concurrent use.
type Client struct {
	baseURL   string
	transport http.RoundTripper
	timeout   time.Duration

	pat    *github.Client
	app    *AppConfig
	key    *rsa.PrivateKey
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	installAPI    *github.Client
	installExpiry time.Time
}

// New validates cfg and builds a Client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		baseURL: cfg.BaseURL,
		app:     cfg.App,
		logger:  logger,
		now:     time.Now,
	}
	if cfg.HTTPClient != nil {
		c.transport = cfg.HTTPClient.Transport
		c.timeout = cfg.HTTPClient.Timeout
	}

	switch {
	case cfg.App != nil:
		key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.App.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parsing github app private key: %w", err)
		}
		c.key = key
		// Fail fast on a bad base URL.
		if _, err := c.apiClient(""); err != nil {
			return nil, err
		}
	case cfg.Token != "":
		pat, err := c.apiClient(cfg.Token)
		if err != nil {
			return nil, err
		}
		c.pat = pat
	default:
		return nil, fmt.Errorf("no github credentials configured")
	}

	return c, nil
}

// apiClient returns a go-github client that authenticates with token.
// WithAuthToken rewrites the Transport of the http.Client it wraps, so
// every authenticated client gets an http.Client of its own.
func (c *Client) apiClient(token string) (*github.Client, error) {
	hc := &http.Client{Transport: c.transport, Timeout: c.timeout}
	gh := github.NewClient(hc)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	if c.baseURL == "" {
		return gh, nil
	}
	gh, err := gh.WithEnterpriseURLs(c.baseURL, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("github base url %q: %w", c.baseURL, err)
	}
	return gh, nil
}

// RegistrationToken returns a registration token for owner/repo.  When
// repo is empty an organization-level token for owner is requested.
func (c *Client) RegistrationToken(ctx context.Context, owner, repo string) (string, error) {
	gh, err := c.api(ctx)
	if err != nil {
		return "", err
	}

	var rt *github.RegistrationToken
	if repo == "" {
		rt, _, err = gh.Actions.CreateOrganizationRegistrationToken(ctx, owner)
	} else {
		rt, _, err = gh.Actions.CreateRegistrationToken(ctx, owner, repo)
	}
	if err != nil {
		return "", fmt.Errorf("create registration token for %s/%s: %w", owner, repo, err)
	}
	if rt.GetToken() == "" {
		return "", fmt.Errorf("create registration token for %s/%s: empty token in response", owner, repo)
	}

	c.logger.Debug("registration token issued",
		slog.String("owner", owner),
		slog.String("repo", repo),
		slog.Time("expiresAt", rt.GetExpiresAt().Time),
	)
	return rt.GetToken(), nil
}

// api returns the client to call the registration-token endpoints with.
func (c *Client) api(ctx context.Context) (*github.Client, error) {
	if c.app == nil {
		return c.pat, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Refresh a minute early so a token never expires mid-request.
	if c.installAPI != nil && c.now().Before(c.installExpiry.Add(-time.Minute)) {
		return c.installAPI, nil
	}

	signed, err := c.appJWT()
	if err != nil {
		return nil, err
	}
	asApp, err := c.apiClient(signed)
	if err != nil {
		return nil, err
	}

	it, _, err := asApp.Apps.CreateInstallationToken(ctx, c.app.InstallationID, nil)
	if err != nil {
		return nil, fmt.Errorf("create installation token for %d: %w", c.app.InstallationID, err)
	}

	installAPI, err := c.apiClient(it.GetToken())
	if err != nil {
		return nil, err
	}
	c.installAPI = installAPI
	c.installExpiry = it.GetExpiresAt().Time
	c.logger.Info("github app installation token refreshed",
		slog.Int64("installationID", c.app.InstallationID),
		slog.Time("expiresAt", c.installExpiry),
	)
	return c.installAPI, nil
}

// appJWT signs the short-lived JWT GitHub requires to act as the App.
func (c *Client) appJWT() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		// Backdated to tolerate clock drift, as GitHub recommends.
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    c.app.ClientID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("signing github app jwt: %w", err)
	}
	return signed, nil
}
