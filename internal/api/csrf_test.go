package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/hostguard/internal/vpn"
)

func (f *fixture) raw(method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestCSRF_CrossOriginPostRefused(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/vpn/office/connect", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.vpn.Wait(ctx, "office")
	require.NoError(t, err)

	// What a hostile page can send with a plain <form> or fetch(no-cors).
	attacks := []map[string]string{
		{"Origin": "https://evil.example", "Content-Type": "application/x-www-form-urlencoded"},
		{"Origin": "http://127.0.0.1.evil.com", "Content-Type": "application/json"},
		{"Origin": "https://evil.example", "Content-Type": "text/plain"},
		{"Sec-Fetch-Site": "cross-site", "Content-Type": "application/json"},
		{"Content-Type": "text/plain"},
		{},
	}
	for _, hdr := range attacks {
		rec := f.raw("POST", "/api/vpn/office/disconnect", "", hdr)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%v", hdr)
		assert.Contains(t, rec.Body.String(), "CSRF", "%v", hdr)
	}

	st, err := f.vpn.Status("office")
	require.NoError(t, err)
	assert.Equal(t, vpn.Connected, st.State, "refused requests must not reach the handler")

	rec = f.raw("POST", "/api/vpn/office/disconnect", "", map[string]string{
		"Origin":       "http://example.com",
		"Content-Type": "application/json; charset=utf-8",
	})
	assert.Equal(t, http.StatusOK, rec.Code, "same host as the request is allowed: %s", rec.Body.String())
}

func TestCSRF_RequestedWithHeaderAccepted(t *testing.T) {
	f := newFixture(t)

	rec := f.raw("DELETE", "/api/security/blocks/203.0.113.9", "", map[string]string{
		RequestedWithHeader: "hostguard",
		"Origin":            "http://localhost:5173",
	})
	assert.NotEqual(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = f.raw("DELETE", "/api/security/blocks/203.0.113.9", "", map[string]string{
		RequestedWithHeader: "hostguard",
		"Origin":            "https://evil.example",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCSRF_SafeMethodsPass(t *testing.T) {
	f := newFixture(t)

	rec := f.raw("GET", "/api/zones", "", map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
