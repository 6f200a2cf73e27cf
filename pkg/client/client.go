package client

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/MacMoment/licensing/pkg/contracts"
	api "github.com/MacMoment/licensing/pkg/contracts/api/v1"
)

// FailureMode decides the outcome of a check that could not reach a verdict
type FailureMode int

const (
	// DenyOnError treats unreachable or failing servers as invalid
	DenyOnError FailureMode = iota
	// AllowOnError unlocks when the server cannot answer
	AllowOnError
)

func (m FailureMode) String() string {
	if m == AllowOnError {
		return "allow"
	}
	return "deny"
}

// ParseFailureMode accepts "allow" or "deny"
func ParseFailureMode(s string) (FailureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "allow_on_error":
		return AllowOnError, nil
	case "deny", "deny_on_error", "":
		return DenyOnError, nil
	}
	return DenyOnError, fmt.Errorf("unknown failure mode %q", s)
}

const (
	DefaultCacheDuration = time.Hour
	DefaultTimeout       = 10 * time.Second
	validatePath         = "/api/validate"
	maxResponseBytes     = 1 << 20
)

var (
	// ErrNoVerdict is returned by Status before the first successful check
	ErrNoVerdict = errors.New("no verdict yet")
)

// ServerError is returned when the server answers with a non-200 status
type ServerError struct {
	StatusCode int
	Title      string
	Detail     string
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("license server returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("license server returned %d", e.StatusCode)
}

// Config configures a Client. ServerURL and LicenseKey are required.
type Config struct {
	ServerURL  string
	LicenseKey string
	ProductID  string
	// HWID defaults to the machine fingerprint
	HWID string
	// IP is reported as-is; empty lets the server use the connection address
	IP string

	DisableCache  bool
	CacheDuration time.Duration
	FailureMode   FailureMode
	Timeout       time.Duration

	// Pins are hex SHA-256 SPKI hashes; when set, an https server must
	// present a chain containing one of them. Ignored with HTTPClient.
	Pins    []string
	RootCAs *x509.CertPool

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Status is the last verdict the client received
type Status struct {
	Verdict   api.Verdict
	CheckedAt time.Time
}

// Client validates a license against the licensing server
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time

	mu   sync.RWMutex
	last *Status
}

// New builds a Client from cfg
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.LicenseKey) == "" {
		return nil, errors.New("license key is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", cfg.ServerURL)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = DefaultCacheDuration
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HWID == "" {
		cfg.HWID = NewFingerprinter(cfg.Logger).Generate().ID
	}

	hc := cfg.HTTPClient
	if hc == nil {
		pins, err := normalizePins(cfg.Pins)
		if err != nil {
			return nil, err
		}
		hc = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(newTransport(cfg, pins)),
		}
	}

	return &Client{
		cfg:      cfg,
		endpoint: base.String() + validatePath,
		http:     hc,
		logger:   cfg.Logger.With(slog.String("component", "license_client")),
		now:      time.Now,
	}, nil
}

// HWID returns the hardware id sent with every check
func (c *Client) HWID() string { return c.cfg.HWID }

// Validate reports whether the license may be used. A fresh cached verdict
// is returned without contacting the server. When no verdict can be
// obtained the result follows FailureMode and the cause is returned.
func (c *Client) Validate(ctx context.Context) (bool, error) {
	if st, ok := c.cached(); ok {
		return st.Verdict.Valid, nil
	}
	v, err := c.Check(ctx)
	if err != nil {
		allowed := c.cfg.FailureMode == AllowOnError
		c.logger.Warn("license check failed",
			slog.String("error", err.Error()),
			slog.Bool("allowed", allowed),
		)
		return allowed, err
	}
	return v.Valid, nil
}

// IsFeatureAllowed validates and then reports whether feature is granted.
// Under AllowOnError a failed check grants every feature.
func (c *Client) IsFeatureAllowed(ctx context.Context, feature string) bool {
	if _, err := c.Validate(ctx); err != nil {
		return c.cfg.FailureMode == AllowOnError
	}
	st, err := c.Status()
	if err != nil {
		return false
	}
	return st.Verdict.HasFeature(feature)
}

// Status returns the last verdict received, fresh or not
func (c *Client) Status() (Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Status{}, ErrNoVerdict
	}
	return *c.last, nil
}

// ClearCache forces the next Validate to contact the server
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.last = nil
	c.mu.Unlock()
}

// Check always asks the server. Concurrent calls share one request.
func (c *Client) Check(ctx context.Context) (api.Verdict, error) {
	ch := c.group.DoChan(c.cfg.LicenseKey, func() (interface{}, error) {
		return c.fetch(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return api.Verdict{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return api.Verdict{}, res.Err
		}
		return res.Val.(api.Verdict), nil
	}
}

func (c *Client) cached() (Status, bool) {
	if c.cfg.DisableCache {
		return Status{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil || c.now().Sub(c.last.CheckedAt) >= c.cfg.CacheDuration {
		return Status{}, false
	}
	return *c.last, true
}

func (c *Client) fetch(ctx context.Context) (api.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(api.ValidateRequest{
		Key:       c.cfg.LicenseKey,
		HWID:      c.cfg.HWID,
		IP:        c.cfg.IP,
		ProductID: c.cfg.ProductID,
	})
	if err != nil {
		return api.Verdict{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return api.Verdict{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "LicenseClient/"+contracts.Version)

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return api.Verdict{}, fmt.Errorf("contact license server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return api.Verdict{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		serr := &ServerError{StatusCode: resp.StatusCode}
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &problem) == nil {
			serr.Title, serr.Detail = problem.Title, problem.Detail
		}
		return api.Verdict{}, serr
	}

	var v api.Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return api.Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}

	st := &Status{Verdict: v, CheckedAt: c.now()}
	c.mu.Lock()
	c.last = st
	c.mu.Unlock()

	c.logger.Debug("license checked",
		slog.Bool("valid", v.Valid),
		slog.String("reason", v.Reason),
		slog.Duration("duration", c.now().Sub(start)),
	)
	return v, nil
}
