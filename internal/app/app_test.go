package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacMoment/licensing/internal/config"
	apperrors "github.com/MacMoment/licensing/internal/errors"
	"github.com/MacMoment/licensing/internal/license"
	customMiddleware "github.com/MacMoment/licensing/internal/middleware"
	"github.com/MacMoment/licensing/internal/shared/testutil"
	api "github.com/MacMoment/licensing/pkg/contracts/api/v1"
	"github.com/MacMoment/licensing/pkg/contracts/events"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Security.RateLimit.Enabled = false
	cfg.Audit.Workers = 1
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	a, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func call(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// issueLicense creates a product and a full access license through the API
func issueLicense(t *testing.T, h http.Handler, token string) api.License {
	t.Helper()
	rec := call(t, h, http.MethodPost, "/api/products", token, map[string]string{"name": "Editor"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var product api.Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &product))

	rec = call(t, h, http.MethodPost, "/api/licenses", token, map[string]string{"productId": product.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var lic api.License
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lic))
	return lic
}

func TestNew_MemoryStore(t *testing.T) {
	a := newTestApp(t, testConfig())
	assert.Equal(t, "memory", a.guardBackend)
	assert.False(t, a.AdminAuth.Enabled())

	lic := issueLicense(t, a.Router, "")
	rec := call(t, a.Router, http.MethodPost, "/api/validate", "", map[string]string{"key": lic.Key, "hwid": "HW-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)
	assert.NotEmpty(t, rec.Header().Get(customMiddleware.RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	t.Run("health", func(t *testing.T) {
		rec := call(t, a.Router, http.MethodGet, "/api/health", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"guard"`)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := call(t, a.Router, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "license_validations")
	})

	t.Run("unknown route is a problem", func(t *testing.T) {
		rec := call(t, a.Router, http.MethodGet, "/api/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, apperrors.ProblemContentType, rec.Header().Get("Content-Type"))
	})
}

func TestNew_AdminAuth(t *testing.T) {
	cfg := testConfig()
	hash, err := customMiddleware.HashToken("console-secret")
	require.NoError(t, err)
	cfg.Security.AdminTokenHash = hash

	a := newTestApp(t, cfg)
	require.True(t, a.AdminAuth.Enabled())

	assert.Equal(t, http.StatusUnauthorized, call(t, a.Router, http.MethodGet, "/api/stats", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, call(t, a.Router, http.MethodPost, "/api/products", "", map[string]string{"name": "x"}).Code)
	assert.Equal(t, http.StatusOK, call(t, a.Router, http.MethodGet, "/api/health/live", "", nil).Code)

	lic := issueLicense(t, a.Router, "console-secret")
	rec := call(t, a.Router, http.MethodPost, "/api/validate", "", map[string]string{"key": lic.Key, "hwid": "HW"})
	assert.Equal(t, http.StatusOK, rec.Code, "clients validate without the admin token")
}

func TestNew_SQLiteStore(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())

	a := newTestApp(t, cfg)
	lic := issueLicense(t, a.Router, "")

	rec := call(t, a.Router, http.MethodGet, "/api/licenses/"+lic.Key, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"UNBOUND"`)
}

func TestNew_SQLiteConcurrentValidations(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "licenses.db")

	a := newTestApp(t, cfg)

	const n = 40
	keys := make([]string, n)
	for i := range keys {
		keys[i] = issueLicense(t, a.Router, "").Key
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for i, key := range keys {
		wg.Add(1)
		go func(key, hwid string) {
			defer wg.Done()
			rec := call(t, a.Router, http.MethodPost, "/api/validate", "", map[string]string{"key": key, "hwid": hwid})
			if rec.Code != http.StatusOK {
				mu.Lock()
				failed = append(failed, rec.Body.String())
				mu.Unlock()
			}
		}(key, fmt.Sprintf("HW-%d", i))
	}
	wg.Wait()

	assert.Empty(t, failed, "every validation on a distinct license succeeds")

	require.NoError(t, a.Audit.Flush(context.Background()))
	rec := call(t, a.Router, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats api.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(n), stats.ValidationsToday)
}

func TestRouter_ForwardedForNeedsTrust(t *testing.T) {
	validateFrom := func(h http.Handler, remoteAddr, forwarded, key string) api.Verdict {
		body, err := json.Marshal(map[string]string{"key": key, "hwid": "HW"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/validate", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = remoteAddr
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var v api.Verdict
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
		return v
	}

	for _, trust := range []bool{false, true} {
		t.Run(fmt.Sprintf("trust=%v", trust), func(t *testing.T) {
			cfg := testConfig()
			cfg.Security.TrustProxyHeaders = trust
			a := newTestApp(t, cfg)
			lic := issueLicense(t, a.Router, "")

			for i := 0; i < config.DefaultGuardMaxFailures; i++ {
				validateFrom(a.Router, "198.51.100.7:5000", "203.0.113.9", "BOGUS")
			}
			v := validateFrom(a.Router, "203.0.113.9:6000", "", lic.Key)
			assert.Equal(t, !trust, v.Valid, "the forwarded address is only believed behind a trusted proxy")
		})
	}
}

func TestNew_RedisGuard(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Guard.MaxFailures = 2

	a := newTestApp(t, cfg)
	require.Equal(t, "redis", a.guardBackend)

	validate := func(key string) api.Verdict {
		rec := call(t, a.Router, http.MethodPost, "/api/validate", "", map[string]string{"key": key, "hwid": "HW", "ip": "203.0.113.50"})
		require.Equal(t, http.StatusOK, rec.Code)
		var v api.Verdict
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
		return v
	}

	lic := issueLicense(t, a.Router, "")
	assert.Equal(t, string(license.ReasonNotFound), validate("AAAAA-AAAAA-AAAAA-AAAAA-AAAAA").Reason)
	assert.Equal(t, string(license.ReasonNotFound), validate("BBBBB-BBBBB-BBBBB-BBBBB-BBBBB").Reason)
	assert.Equal(t, string(license.ReasonBlocked), validate(lic.Key).Reason, "blocked even with a good key")
}

func TestNew_InvalidStorageDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "mongo"
	logger, _ := testutil.NewTestLogger(t)

	_, err := New(cfg, logger)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
}

func TestWebSocketFeed(t *testing.T) {
	a := newTestApp(t, testConfig())
	a.WebSocketHub.Start()

	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + config.WebSocketEndpoint
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var greeting events.WebSocketMessage
	require.NoError(t, conn.ReadJSON(&greeting))
	require.Equal(t, events.MessageTypeConnect, greeting.Type)

	lic := issueLicense(t, a.Router, "")
	call(t, a.Router, http.MethodPost, "/api/validate", "", map[string]string{"key": lic.Key, "hwid": "HW-9"})

	var msg struct {
		Type events.MessageType `json:"type"`
		Data api.ValidationLog  `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.MessageTypeValidation, msg.Type)
	assert.Equal(t, lic.Key, msg.Data.LicenseKey)
	assert.Equal(t, "HW-9", msg.Data.HWID)
	assert.True(t, msg.Data.Success)
	assert.NotZero(t, msg.Data.ID)
}

func TestRun_GracefulShutdown(t *testing.T) {
	a := newTestApp(t, testConfig())
	addr, err := a.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := "http://" + addr.String() + "/api/health/live"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.NoError(t, a.Stop(context.Background()), "second stop is a no-op")
}
