// ABOUTME: Tests for tutor-gateway CLI helpers
// ABOUTME: Covers token flags, config rendering, logger output and the health probe

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fynq/tutor-gateway/internal/auth"
	"github.com/fynq/tutor-gateway/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestParseTokenArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		user    string
		ttl     time.Duration
		wantErr string
	}{
		{"separate values", []string{"--user", "u1", "--ttl", "2h"}, "u1", 2 * time.Hour, ""},
		{"equals form", []string{"--user=u2", "--ttl=30m"}, "u2", 30 * time.Minute, ""},
		{"short flag default ttl", []string{"-u", "u3"}, "u3", 24 * time.Hour, ""},
		{"missing user", []string{"--ttl", "1h"}, "", 0, "--user flag is required"},
		{"dangling user", []string{"--user"}, "", 0, "--user requires a value"},
		{"bad ttl", []string{"--user", "u", "--ttl", "soon"}, "", 0, "invalid --ttl"},
		{"negative ttl", []string{"--user", "u", "--ttl", "-1h"}, "", 0, "must be positive"},
		{"unknown flag", []string{"--admin"}, "", 0, "unknown flag"},
		{"stray argument", []string{"bob"}, "", 0, "unexpected argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, ttl, err := parseTokenArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user, user)
			assert.Equal(t, tt.ttl, ttl)
		})
	}
}

func TestMintToken(t *testing.T) {
	cfg := config.AuthConfig{JWTSecret: testSecret, Audience: auth.DefaultAudience}

	token, err := mintToken(cfg, "student-7", time.Hour)
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	userID, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "student-7", userID)

	_, err = mintToken(config.AuthConfig{JWTSecret: "short", Audience: auth.DefaultAudience}, "u", time.Hour)
	assert.Error(t, err)
}

func TestRenderConfig_RoundTrip(t *testing.T) {
	t.Setenv("SUPABASE_JWT_SECRET", testSecret)
	t.Setenv("GEMINI_API_KEY", "gemini-key")
	t.Setenv("STORAGE_ACCESS_KEY_ID", "ak")
	t.Setenv("STORAGE_SECRET_ACCESS_KEY", "sk")

	rendered := renderConfig(initAnswers{
		HTTPAddr:      "127.0.0.1:8000",
		DBPath:        "/tmp/tutor.db",
		JWTSecret:     "${SUPABASE_JWT_SECRET}",
		APIKey:        "${GEMINI_API_KEY}",
		Model:         "gemini-1.5-flash",
		Bucket:        "user-uploads",
		Endpoint:      "https://abc.supabase.co/storage/v1/s3",
		Region:        "us-east-1",
		PublicBaseURL: "https://abc.supabase.co/storage/v1/object/public",
		LogLevel:      "debug",
		LogFormat:     "json",
	})

	cfg, err := config.Parse([]byte(rendered), false)
	require.NoError(t, err, rendered)

	assert.Equal(t, "127.0.0.1:8000", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/tutor.db", cfg.Database.Path)
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret)
	assert.Equal(t, "gemini-key", cfg.Generation.APIKey)
	assert.Equal(t, 60*time.Second, cfg.Generation.Timeout)
	assert.True(t, cfg.Storage.Enabled())
	assert.Equal(t, "sk", cfg.Storage.SecretAccessKey)
	assert.Equal(t, config.DefaultUploadRateWindow, cfg.Uploads.RateWindow)
	assert.False(t, cfg.Tailscale.Enabled)
	assert.Equal(t, config.DefaultAllowedOrigins, cfg.CORS.AllowedOrigins)
}

func TestRenderConfig_WithoutStorage(t *testing.T) {
	rendered := renderConfig(initAnswers{HTTPAddr: "x", DBPath: "y", TailscaleEnabled: true, TSHostname: "tutor"})
	assert.NotContains(t, rendered, "storage:")
	assert.Contains(t, rendered, "hostname: \"tutor\"")
}

func TestRunInit_WritesConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	path := dir + "/gateway.yaml"

	// Config path, then defaults for everything else.
	input := strings.NewReader(path + "\n")
	var out bytes.Buffer
	require.NoError(t, runInit(input, &out))

	assert.Contains(t, out.String(), "Config written to "+path)
	assert.FileExists(t, path)
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "user_id", "u1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "u1", rec["user_id"])
}

func TestNewLogger_Color(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug"}, &buf)

	logger.With("component", "gateway").WithGroup("req").Debug("hello", "path", "/api")

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "component=")
	assert.Contains(t, out, "req.path=")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("WARNING").String())
	assert.Equal(t, "INFO", parseLevel("").String())
}

func TestHealthURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8000/health/ready", healthURL("0.0.0.0:8000"))
	assert.Equal(t, "http://127.0.0.1:8000/health/ready", healthURL(":8000"))
	assert.Equal(t, "http://localhost:9000/health/ready", healthURL("localhost:9000"))
}

func TestCheckHealth(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
		_, _ = w.Write([]byte("ready"))
	}))
	defer srv.Close()

	require.NoError(t, checkHealth(context.Background(), srv.Client(), srv.URL))

	ready.Store(false)
	err := checkHealth(context.Background(), srv.Client(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
}
