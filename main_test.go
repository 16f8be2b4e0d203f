package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble-matcher/email"
	"ensemble-matcher/search"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORAGE_BUCKET", "LOCAL_STORAGE", "BASE_URL", "JWT_SECRET", "EMAIL_PROVIDER", "REDIS_ADDR"} {
		t.Setenv(key, "")
	}

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "./data", cfg.LocalStorage)
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, "mock", cfg.EmailProvider)
	assert.Equal(t, uint(5), cfg.TxMaxAttempts)
	assert.Equal(t, 15*time.Second, mustEvery(t, cfg.DispatchSchedule))
	assert.NotEmpty(t, cfg.JWTSecret)
}

func mustEvery(t *testing.T, spec string) time.Duration {
	t.Helper()
	d, err := time.ParseDuration(spec[len("@every "):])
	require.NoError(t, err)
	return d
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// godotenv never overrides variables that are already set, even empty ones.
	for _, key := range []string{"PORT", "TX_MAX_ATTEMPTS", "BASE_URL"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9090\nTX_MAX_ATTEMPTS=8\nBASE_URL=https://example.test/\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, uint(8), cfg.TxMaxAttempts)
	assert.Equal(t, "https://example.test", cfg.BaseURL)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "development", cfg: Config{Port: "8080", EmailProvider: "mock", TxMaxAttempts: 5}},
		{name: "production without base url", cfg: Config{StorageBucket: "b", JWTSecret: "s", EmailProvider: "mock", TxMaxAttempts: 5}, wantErr: true},
		{name: "production without secret", cfg: Config{StorageBucket: "b", BaseURL: "https://x", EmailProvider: "mock", TxMaxAttempts: 5}, wantErr: true},
		{name: "brevo without key", cfg: Config{EmailProvider: "brevo", TxMaxAttempts: 5}, wantErr: true},
		{name: "unknown provider", cfg: Config{EmailProvider: "pigeon", TxMaxAttempts: 5}, wantErr: true},
		{name: "zero attempts", cfg: Config{EmailProvider: "mock"}, wantErr: true},
		{name: "negative burst", cfg: Config{EmailProvider: "mock", TxMaxAttempts: 1, RateLimitBurst: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Port:             "0",
		BaseURL:          "https://ensemble.test",
		LocalStorage:     t.TempDir(),
		JWTSecret:        "test-secret",
		JWTIssuer:        "ensemble-test",
		EmailProvider:    "mock",
		MailFrom:         "noreply@ensemble.test",
		TxMaxAttempts:    10,
		TxBaseDelay:      time.Millisecond,
		TxMaxDelay:       10 * time.Millisecond,
		DispatchSchedule: "@every 15s",
		ReindexSchedule:  "@hourly",
	}
}

func TestAppWiring(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	h := a.server.Handler()

	send := func(method, path, uid string, body any, out any) int {
		t.Helper()
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(method, path, bytes.NewReader(data))
		token, err := a.verifier.Issue(uid, "", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if out != nil {
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
		}
		return rec.Code
	}

	require.Equal(t, http.StatusOK, send(http.MethodPut, "/v1/profile", "author", map[string]any{
		"email": "author@example.com", "displayName": "Author",
	}, nil))

	var posting struct {
		ID string `json:"id"`
	}
	require.Equal(t, http.StatusCreated, send(http.MethodPost, "/v1/postings", "author", map[string]any{
		"title":               "Brahms Sextet",
		"teamName":            "Riverside Strings",
		"categoryMain":        "chamber",
		"requiredInstruments": []map[string]any{{"instrument": "cello", "count": 2}},
	}, &posting))

	require.Equal(t, http.StatusOK, send(http.MethodPost, "/v1/applyToPosting", "cellist", map[string]any{
		"data": map[string]any{"postingId": posting.ID, "appliedInstrument": "cello"},
	}, nil))
	require.Equal(t, http.StatusOK, send(http.MethodPost, "/v1/bookmarks/"+posting.ID, "cellist", nil, nil))

	require.NoError(t, a.dispatcher.CheckAll(ctx))

	// The posting is mirrored into the local index.
	data, err := os.ReadFile(filepath.Join(cfg.LocalStorage, search.RecordKey(posting.ID)))
	require.NoError(t, err)
	var rec search.Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "Brahms Sextet", rec.Title)

	// The author is emailed about the application.
	mock, ok := a.mail.(*email.MockProvider)
	require.True(t, ok)
	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "author@example.com", sent[0].To)

	// The bookmark counter ran, and its posting write is delivered next.
	require.NoError(t, a.dispatcher.CheckAll(ctx))
	var got struct {
		BookmarkCount int `json:"bookmarkCount"`
	}
	require.Equal(t, http.StatusOK, send(http.MethodGet, "/v1/postings/"+posting.ID, "cellist", nil, &got))
	assert.Equal(t, 1, got.BookmarkCount)

	data, err = os.ReadFile(filepath.Join(cfg.LocalStorage, search.RecordKey(posting.ID)))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, 1, rec.BookmarkCount)
}

func TestSchedule(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.schedule(context.Background(), cfg)
	require.NoError(t, err)

	cfg.ReindexSchedule = "whenever"
	_, err = a.schedule(context.Background(), cfg)
	assert.Error(t, err)
}

func TestLimiterSelection(t *testing.T) {
	cfg := testConfig(t)
	a := &app{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	assert.Nil(t, a.newLimiter(context.Background(), cfg), "no burst disables limiting")

	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 3
	cfg.RedisAddr = "127.0.0.1:1"
	l := a.newLimiter(context.Background(), cfg)
	require.NotNil(t, l)
	assert.Nil(t, a.redis, "unreachable redis falls back to memory")
}
