package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fixgateway/internal/compositekey"
	"github.com/wyfcoding/fixgateway/internal/registry"
	"github.com/wyfcoding/fixgateway/pkg/config"
	"github.com/wyfcoding/fixgateway/pkg/ratelimit"
)

type fakePollable struct{}

func (fakePollable) Poll(int64) (int, error) { return 0, nil }

type fakeLimiter struct {
	allow bool
}

func (f *fakeLimiter) Allow(context.Context, string, ratelimit.Limit) (*ratelimit.Result, error) {
	return &ratelimit.Result{Allowed: f.allow}, nil
}

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := registry.New()
	return New(reg, nil, nil, config.RateLimitConfig{}), reg
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListSessionsReturnsUnknownProtocolForUnrecognizedPollable(t *testing.T) {
	srv, reg := newTestServer(t)
	var counter uint64
	_, _, err := reg.LookupOrCreate(compositekey.New("A", "", "", "B"), "host", func() (uint64, error) {
		counter++
		return counter, nil
	}, func(uint64) (registry.Pollable, error) { return fakePollable{}, nil })
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sessions []sessionDetail `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "UNKNOWN", body.Sessions[0].Protocol)
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/sessions/999", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSessionInvalidID(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/sessions/abc", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDirectoryWithoutDBReturnsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/directory", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())
}

func TestRateLimitMiddlewareRejectsOverLimitRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := registry.New()
	srv := New(reg, nil, &fakeLimiter{allow: false}, config.RateLimitConfig{Enabled: true, QPS: 1, Burst: 1})

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimitMiddlewareAllowsUnderLimitRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := registry.New()
	srv := New(reg, nil, &fakeLimiter{allow: true}, config.RateLimitConfig{Enabled: true, QPS: 100, Burst: 100})

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
