// Package auth manages the OAuth2 client-credentials token used to call the
// NGD API on the caller's behalf.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/ngd-catalyst/internal/core/observability"
)

// DefaultTokenURL is the OS Data Hub token endpoint.
const DefaultTokenURL = "https://api.os.uk/oauth2/token/v1"

var (
	ErrNotConfigured = errors.New("auth: client id and secret are required")
	ErrExchange      = errors.New("auth: token exchange failed")
)

type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string

	// RefreshSkew renews the token this long before it expires.
	RefreshSkew time.Duration
	// RetryMax bounds retries of transient token endpoint failures.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	HTTPClient *http.Client
}

// Manager hands out a cached bearer token. Concurrent callers that find the
// token missing or stale share one exchange.
type Manager struct {
	logger     *slog.Logger
	cc         *clientcredentials.Config
	httpClient *http.Client
	skew       time.Duration
	now        func() time.Time

	mu  sync.RWMutex
	tok *oauth2.Token

	group singleflight.Group
}

func NewManager(logger *slog.Logger, cfg Config) (*Manager, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrNotConfigured
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.RefreshSkew < 0 {
		cfg.RefreshSkew = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 100 * time.Millisecond
	}
	if cfg.RetryWaitMax < cfg.RetryWaitMin {
		cfg.RetryWaitMax = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = max(cfg.RetryMax, 0)
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Logger = logger
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	}

	return &Manager{
		logger: logger,
		cc: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		httpClient: rc.StandardClient(),
		skew:       cfg.RefreshSkew,
		now:        time.Now,
	}, nil
}

// Token returns a valid access token, exchanging credentials when the cached
// token is missing or within the refresh skew of expiry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if t := m.current(); m.valid(t) {
		return t.AccessToken, nil
	}
	v, err, _ := m.group.Do("token", func() (any, error) {
		if t := m.current(); m.valid(t) {
			return t.AccessToken, nil
		}
		return m.exchange(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Refresh replaces a token the upstream rejected. If another caller already
// replaced stale, the newer token is returned without a second exchange.
func (m *Manager) Refresh(ctx context.Context, stale string) (string, error) {
	v, err, _ := m.group.Do("token", func() (any, error) {
		if t := m.current(); m.valid(t) && t.AccessToken != stale {
			return t.AccessToken, nil
		}
		return m.exchange(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) current() *oauth2.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tok
}

func (m *Manager) valid(t *oauth2.Token) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return m.now().Add(m.skew).Before(t.Expiry)
}

func (m *Manager) exchange(ctx context.Context) (string, error) {
	// detached: the flight is shared by every waiting caller
	ctx = context.WithoutCancel(ctx)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	t, err := m.cc.Token(ctx)
	if err != nil {
		observability.IncTokenRefresh(false)
		m.logger.WarnContext(ctx, "token exchange failed", "err", err)
		return "", fmt.Errorf("%w: %w", ErrExchange, err)
	}
	observability.IncTokenRefresh(true)

	m.mu.Lock()
	m.tok = t
	m.mu.Unlock()
	m.logger.DebugContext(ctx, "token exchanged", "expiry", t.Expiry)
	return t.AccessToken, nil
}
