package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var fixedNow = time.Date(2024, 5, 10, 20, 0, 0, 0, time.UTC)

func newTestAuth() *AKSKAuth {
	a := NewAKSKAuth(NewStaticStore(ClientInfo{AccessKey: "ak", SecretKey: "sk", Name: "tail"}))
	a.now = func() time.Time { return fixedNow }
	return a
}

func TestVerifySignature(t *testing.T) {
	a := newTestAuth()
	ctx := context.Background()
	ts := fixedNow.Unix()
	sig := GenerateSignature("sk", "GET", "/api/v1/events?type=update", ts, nil)

	client, err := a.VerifySignature(ctx, "ak", sig, "1715371200", "GET", "/api/v1/events?type=update", nil)
	require.NoError(t, err)
	assert.Equal(t, "tail", client.Name)

	_, err = a.VerifySignature(ctx, "ak", sig, "1715371200", "GET", "/api/v1/events?type=delete", nil)
	assert.ErrorIs(t, err, ErrSignatureMismatch)

	_, err = a.VerifySignature(ctx, "nobody", sig, "1715371200", "GET", "/api/v1/events?type=update", nil)
	assert.ErrorIs(t, err, ErrUnknownAccessKey)

	_, err = a.VerifySignature(ctx, "ak", sig, "not-a-number", "GET", "/", nil)
	assert.Error(t, err)
}

func TestVerifySignature_SkewWindow(t *testing.T) {
	a := newTestAuth()
	ctx := context.Background()

	for _, tc := range []struct {
		offset time.Duration
		ok     bool
	}{
		{-4 * time.Minute, true},
		{5 * time.Minute, true},
		{6 * time.Minute, false},
		{-10 * time.Minute, false},
	} {
		ts := fixedNow.Add(tc.offset).Unix()
		sig := GenerateSignature("sk", "POST", "/api/v1/reconcile", ts, nil)
		_, err := a.VerifySignature(ctx, "ak", sig, strconv.FormatInt(ts, 10), "POST", "/api/v1/reconcile", nil)
		if tc.ok {
			assert.NoError(t, err, tc.offset.String())
		} else {
			assert.ErrorIs(t, err, ErrTimestampExpired, tc.offset.String())
		}
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestAuth()

	r := gin.New()
	r.Use(a.Middleware(zaptest.NewLogger(t)))
	r.POST("/api/v1/reconcile", func(c *gin.Context) {
		client, ok := ClientFromContext(c)
		require.True(t, ok)
		c.String(http.StatusAccepted, client.Name)
	})

	body := `{"reason":"manual"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", strings.NewReader(body))
	SignRequest(req, "ak", "sk", []byte(body), fixedNow)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "tail", w.Body.String())

	// tampered body
	req = httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", strings.NewReader(`{"reason":"other"}`))
	SignRequest(req, "ak", "sk", []byte(body), fixedNow)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// unsigned
	req = httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
