package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/migadu/popd/maildrop/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "test-key"

type fakeCounter struct{}

func (fakeCounter) GetTotalConnections() int64         { return 3 }
func (fakeCounter) GetAuthenticatedConnections() int64 { return 1 }

func newTestServer(t *testing.T, allowed ...string) (*Server, *memory.Backend) {
	t.Helper()
	b := memory.New()
	require.NoError(t, b.AddUser("bob", "secret"))
	s, err := New(b, ServerOptions{APIKey: testKey, AllowedHosts: allowed, Sessions: fakeCounter{}})
	require.NoError(t, err)
	return s, b
}

func do(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func authed() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testKey}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(memory.New(), ServerOptions{})
	assert.Error(t, err)
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = do(t, s, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "popd_connections_total")
}

func TestAuth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, "GET", "/api/v1/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, "GET", "/api/v1/stats", "", map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, "GET", "/api/v1/stats", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, "GET", "/api/v1/stats", "", map[string]string{"X-API-Key": testKey})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAllowedHosts(t *testing.T) {
	s, _ := newTestServer(t, "10.0.0.0/8")
	// httptest requests come from 192.0.2.1.
	rec := do(t, s, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	s, _ = newTestServer(t, "192.0.2.1")
	rec = do(t, s, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeliverAndInspect(t *testing.T) {
	s, b := newTestServer(t)

	msg := "From: alice@example.org\nSubject: hi\nMessage-ID: <m1@example.org>\n\nHello\n"
	rec := do(t, s, "POST", "/api/v1/maildrops/bob/messages", msg, authed())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var delivered DeliverResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &delivered))
	assert.Equal(t, "m1@example.org", delivered.MessageID)
	// Line endings are normalised to CRLF before storing.
	assert.Equal(t, len(msg)+5, delivered.Size)

	rec = do(t, s, "GET", "/api/v1/maildrops/bob", "", authed())
	require.Equal(t, http.StatusOK, rec.Code)
	var md MaildropResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
	assert.Equal(t, MaildropResponse{User: "bob", Messages: 1, Octets: int64(delivered.Size)}, md)

	entries, err := b.List(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	rec = do(t, s, "GET", "/api/v1/maildrops/nobody", "", authed())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, "POST", "/api/v1/maildrops/nobody/messages", msg, authed())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, "POST", "/api/v1/maildrops/bob/messages", "no header here\n\nbody", authed())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetUser(t *testing.T) {
	s, b := newTestServer(t)
	ctx := context.Background()

	rec := do(t, s, "PUT", "/api/v1/users/carol", `{"password":"pw","scheme":"SSHA512"}`, authed())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoError(t, b.Authenticate(ctx, "carol", "pw"))

	rec = do(t, s, "PUT", "/api/v1/users/carol", `{"password":""}`, authed())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, "PUT", "/api/v1/users/carol", `{"password":"x","scheme":"ROT13"}`, authed())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, "PUT", "/api/v1/users/carol", `not json`, authed())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, "GET", "/api/v1/stats", "", authed())
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Users)
	assert.Equal(t, int64(3), stats.Connections)
	assert.Equal(t, int64(1), stats.AuthenticatedConnections)
}
