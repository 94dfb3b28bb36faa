package broker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postCredentials(t *testing.T, h *Handler, body issueRequestBody) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/credentials", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	return rec
}

func TestHandler_IssueCredentials(t *testing.T) {
	svc, f, _ := newService(t, gb)
	h := NewHandler(testLogger(), svc)

	rec := postCredentials(t, h, issueRequestBody{
		Token:           f.mint(t, nil),
		DevicePublicKey: base64.StdEncoding.EncodeToString(f.devicePub),
		RequestedBytes:  5 * mb,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp IssueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Credential)
	assert.Equal(t, ScopePrefix("vault-1"), resp.Credential.PathPrefix)
	assert.False(t, resp.Credential.Expired(time.Now()))
	assert.Equal(t, 5*mb, resp.Quota.UsedBytes)
	assert.Equal(t, gb, resp.Quota.LimitBytes)
}

func TestHandler_InvalidToken(t *testing.T) {
	svc, f, _ := newService(t, gb)
	h := NewHandler(testLogger(), svc)

	rec := postCredentials(t, h, issueRequestBody{
		Token:           "garbage",
		DevicePublicKey: base64.StdEncoding.EncodeToString(f.devicePub),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_QuotaExceeded(t *testing.T) {
	svc, f, store := newService(t, gb)
	h := NewHandler(testLogger(), svc)
	_, err := store.Reserve(context.Background(), "vault-1", gb, gb)
	require.NoError(t, err)

	rec := postCredentials(t, h, issueRequestBody{
		Token:           f.mint(t, nil),
		DevicePublicKey: base64.StdEncoding.EncodeToString(f.devicePub),
		RequestedBytes:  mb,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_MalformedBody(t *testing.T) {
	svc, _, _ := newService(t, gb)
	h := NewHandler(testLogger(), svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/credentials", bytes.NewReader([]byte("{")))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postCredentials(t, h, issueRequestBody{Token: "t", DevicePublicKey: "!!! not base64 !!!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
