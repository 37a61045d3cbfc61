package middleware_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genforge/internal/api/middleware"
	"github.com/kiranshivaraju/genforge/internal/cache"
	"github.com/kiranshivaraju/genforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock key store ---

type mockKeyStore struct {
	keys []*models.APIKey
	err  error

	mu      sync.Mutex
	touched []uuid.UUID
}

func (m *mockKeyStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return m.keys, m.err
}
func (m *mockKeyStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, id)
	return nil
}
func (m *mockKeyStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error { return nil }
func (m *mockKeyStore) ListAPIKeys(_ context.Context, _ uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}
func (m *mockKeyStore) RevokeAPIKey(_ context.Context, _ uuid.UUID, _ uuid.UUID) error { return nil }

func (m *mockKeyStore) touchedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.touched)
}

// --- Mock Cache ---

type mockCache struct {
	counter int64
	err     error
	lastKey string
}

func (m *mockCache) Ping(_ context.Context) error { return nil }
func (m *mockCache) SetJobSnapshot(_ context.Context, _ cache.JobSnapshot, _ time.Duration) error {
	return nil
}
func (m *mockCache) GetJobSnapshot(_ context.Context, _ uuid.UUID) (*cache.JobSnapshot, bool, error) {
	return nil, false, nil
}
func (m *mockCache) RequestCancel(_ context.Context, _ uuid.UUID, _ time.Duration) error { return nil }
func (m *mockCache) CancelRequested(_ context.Context, _ uuid.UUID) (bool, error) {
	return false, nil
}
func (m *mockCache) ClearCancel(_ context.Context, _ uuid.UUID) error { return nil }
func (m *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.lastKey = key
	m.counter++
	return m.counter, m.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func keyFor(t *testing.T, rawKey string, owner uuid.UUID, scopes ...string) *models.APIKey {
	return &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   owner,
		KeyHash:   hashKey(t, rawKey),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    scopes,
	}
}

func bearer(rawKey string) *http.Request {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	return req
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHENTICATED", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{})
	handler := auth.Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, bearer("gf_x"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_KeyNotFound(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{keys: []*models.APIKey{}})
	handler := auth.Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, bearer("gf_test1234567890"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_LookupError(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{err: errors.New("db down")})
	handler := auth.Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, bearer("gf_test1234567890"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAuth_WrongKey(t *testing.T) {
	rawKey := "gf_test1234567890abcdef"
	key := keyFor(t, "gf_test1different_key", uuid.New(), mw.ScopeGenerate)
	auth := mw.NewAuth(&mockKeyStore{keys: []*models.APIKey{key}})
	handler := auth.Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, bearer(rawKey))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "gf_test1234567890abcdef"
	owner := uuid.New()
	ks := &mockKeyStore{keys: []*models.APIKey{keyFor(t, rawKey, owner, mw.ScopeGenerate)}}
	auth := mw.NewAuth(ks)

	var gotOwner uuid.UUID
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOwner, gotOK = mw.GetOwnerID(r)
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	auth.Authenticate(inner).ServeHTTP(w, bearer(rawKey))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOK)
	assert.Equal(t, owner, gotOwner)
	assert.Eventually(t, func() bool { return ks.touchedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAuth_MatchesAmongSharedPrefix(t *testing.T) {
	rawKey := "gf_share_second_key_value"
	owner := uuid.New()
	ks := &mockKeyStore{keys: []*models.APIKey{
		keyFor(t, "gf_share_first_key_value", uuid.New(), mw.ScopeGenerate),
		keyFor(t, rawKey, owner, mw.ScopeGenerate),
	}}

	var gotOwner uuid.UUID
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOwner, _ = mw.GetOwnerID(r)
	})
	w := httptest.NewRecorder()
	mw.NewAuth(ks).Authenticate(inner).ServeHTTP(w, bearer(rawKey))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, owner, gotOwner)
}

func TestAuth_RequireScope_Allowed(t *testing.T) {
	rawKey := "gf_admin_1234567890abcdef"
	auth := mw.NewAuth(&mockKeyStore{keys: []*models.APIKey{
		keyFor(t, rawKey, uuid.New(), mw.ScopeGenerate, mw.ScopeAdmin),
	}})

	handler := auth.Authenticate(auth.RequireScope(mw.ScopeAdmin)(okHandler()))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, bearer(rawKey))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_RequireScope_Denied(t *testing.T) {
	rawKey := "gf_user__1234567890abcdef"
	auth := mw.NewAuth(&mockKeyStore{keys: []*models.APIKey{
		keyFor(t, rawKey, uuid.New(), mw.ScopeGenerate),
	}})

	handler := auth.Authenticate(auth.RequireScope(mw.ScopeAdmin)(okHandler()))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, bearer(rawKey))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func withPrefix(prefix string) *http.Request {
	req := httptest.NewRequest("GET", "/test", nil)
	return req.WithContext(mw.SetKeyPrefix(req.Context(), prefix))
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	mc := &mockCache{}
	rl := mw.NewRateLimit(mc, 60)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, withPrefix("gf_test1"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, cache.RateLimitKey("gf_test1"), mc.lastKey)
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &mockCache{counter: 60}
	rl := mw.NewRateLimit(mc, 60)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, withPrefix("gf_over1"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_DefaultLimit(t *testing.T) {
	rl := mw.NewRateLimit(&mockCache{}, 0)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, withPrefix("gf_dflt1"))

	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_FailsOpenOnCacheError(t *testing.T) {
	rl := mw.NewRateLimit(&mockCache{err: errors.New("redis down")}, 1)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, withPrefix("gf_down1"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	mc := &mockCache{}
	rl := mw.NewRateLimit(mc, 60)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, mc.counter)
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := httptest.NewRecorder()
	mw.Recovery(panicking).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		mw.Recovery(aborting).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))
	})
}

func TestRecovery_NoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	mw.Recovery(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_PassesStatusThrough(t *testing.T) {
	teapot := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	mw.Logger(teapot).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
}

// syncBuffer guards the captured log output against the auth touch goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// captureLogs routes the default logger into a buffer for the test and
// returns a function that decodes the record with the given message.
func captureLogs(t *testing.T) func(msg string) map[string]any {
	t.Helper()
	out := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	return func(msg string) map[string]any {
		t.Helper()
		out.mu.Lock()
		defer out.mu.Unlock()
		sc := bufio.NewScanner(bytes.NewReader(out.buf.Bytes()))
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			var rec map[string]any
			require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
			if rec["msg"] == msg {
				return rec
			}
		}
		t.Fatalf("no %q log record in %s", msg, out.buf.String())
		return nil
	}
}

func TestLogger_RecordsAuthenticatedOwner(t *testing.T) {
	logs := captureLogs(t)
	rawKey := "gf_test1234567890abcdef"
	owner := uuid.New()
	ks := &mockKeyStore{keys: []*models.APIKey{keyFor(t, rawKey, owner, mw.ScopeGenerate)}}

	w := httptest.NewRecorder()
	mw.Logger(mw.NewAuth(ks).Authenticate(okHandler())).ServeHTTP(w, bearer(rawKey))
	require.Equal(t, http.StatusOK, w.Code)

	rec := logs("request")
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, owner.String(), rec["owner_id"])
	assert.Equal(t, rawKey[:mw.KeyPrefixLen], rec["key_prefix"])
	assert.Equal(t, float64(2), rec["bytes"])
	assert.NotEmpty(t, rec["request_id"])
	assert.Equal(t, rec["request_id"], w.Header().Get("X-Request-ID"))
}

func TestLogger_UnauthenticatedHasNoOwner(t *testing.T) {
	logs := captureLogs(t)

	w := httptest.NewRecorder()
	mw.Logger(mw.NewAuth(&mockKeyStore{}).Authenticate(okHandler())).
		ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	rec := logs("request")
	assert.Equal(t, "WARN", rec["level"])
	assert.NotContains(t, rec, "owner_id")
	assert.NotContains(t, rec, "key_prefix")
}

func TestLogger_ServerErrorLogsAtErrorLevel(t *testing.T) {
	logs := captureLogs(t)
	failing := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	mw.Logger(failing).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, "ERROR", logs("request")["level"])
}

func TestLogger_RequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = mw.RequestID(r.Context())
	})

	t.Run("propagates client id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", "req-abc-123")
		w := httptest.NewRecorder()
		mw.Logger(inner).ServeHTTP(w, req)

		assert.Equal(t, "req-abc-123", seen)
		assert.Equal(t, "req-abc-123", w.Header().Get("X-Request-ID"))
	})

	t.Run("replaces oversized id", func(t *testing.T) {
		long := strings.Repeat("x", 65)
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", long)
		w := httptest.NewRecorder()
		mw.Logger(inner).ServeHTTP(w, req)

		assert.NotEqual(t, long, seen)
		_, err := uuid.Parse(seen)
		assert.NoError(t, err)
	})

	t.Run("empty outside logger", func(t *testing.T) {
		assert.Empty(t, mw.RequestID(context.Background()))
	})
}

func TestRecovery_LogsOwnerOfPanickingRequest(t *testing.T) {
	logs := captureLogs(t)
	rawKey := "gf_test1234567890abcdef"
	owner := uuid.New()
	ks := &mockKeyStore{keys: []*models.APIKey{keyFor(t, rawKey, owner, mw.ScopeGenerate)}}
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("ledger exploded")
	})

	w := httptest.NewRecorder()
	handler := mw.Logger(mw.Recovery(mw.NewAuth(ks).Authenticate(panicking)))
	handler.ServeHTTP(w, bearer(rawKey))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	rec := logs("panic recovered")
	assert.Equal(t, owner.String(), rec["owner_id"])
	assert.Equal(t, "ledger exploded", rec["error"])
	assert.Equal(t, "ERROR", logs("request")["level"])
}
