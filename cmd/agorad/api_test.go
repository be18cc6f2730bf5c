package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoraos/agora/pkg/config"
	"github.com/agoraos/agora/pkg/kernel"
)

func newTestAPI(t *testing.T) (*kernel.Kernel, http.Handler) {
	t.Helper()
	k, err := kernel.New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return k, newAPI(k, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestActionEndpointsRoundTrip(t *testing.T) {
	k, h := newTestAPI(t)
	require.NoError(t, k.CreatePrincipal("alice", 0))

	rec := doJSON(t, h, http.MethodPost, "/v1/actions/write", map[string]any{
		"caller": "alice", "target": "doc", "content": "hello",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/v1/actions/read", map[string]any{
		"caller": "alice", "target": "doc",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var res struct {
		Success bool `json:"success"`
		Value   struct {
			Content string `json:"content"`
		} `json:"value"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Value.Content)
}

func TestFaultKindsMapToStatusCodes(t *testing.T) {
	k, h := newTestAPI(t)
	require.NoError(t, k.CreatePrincipal("alice", 0))
	require.NoError(t, k.CreatePrincipal("mallory", 0))
	require.True(t, k.Write(context.Background(), "alice",
		kernel.WriteRequest{ID: "doc", Content: "secret"}).Success)

	rec := doJSON(t, h, http.MethodPost, "/v1/actions/read", map[string]any{
		"caller": "mallory", "target": "doc",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/actions/read", map[string]any{
		"caller": "alice", "target": "nope",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/actions/read", map[string]any{"caller": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalanceAndAuditEndpoints(t *testing.T) {
	k, h := newTestAPI(t)
	require.NoError(t, k.CreatePrincipal("alice", 42))

	rec := doJSON(t, h, http.MethodGet, "/v1/balances/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balances map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balances))
	assert.Equal(t, int64(42), balances["scrip"])

	rec = doJSON(t, h, http.MethodGet, "/v1/audit/head", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "head")
}
