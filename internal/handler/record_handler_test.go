package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/georgeji/record-observer/internal/models"
	"github.com/georgeji/record-observer/internal/observer"
	"github.com/georgeji/record-observer/internal/source/memory"
)

func do(t *testing.T, method, url string) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestRecordHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := memory.NewStore(nil, zaptest.NewLogger(t))
	r := gin.New()
	NewRecordHandler(store, "Account", zaptest.NewLogger(t)).RegisterRoutes(r.Group("/api/v1"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	assert.Equal(t, http.StatusCreated, do(t, http.MethodPost, srv.URL+"/api/v1/records/001A"))
	assert.Equal(t, http.StatusConflict, do(t, http.MethodPost, srv.URL+"/api/v1/records/001A"))
	assert.Equal(t, http.StatusOK, do(t, http.MethodPut, srv.URL+"/api/v1/records/001A"))
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodPut, srv.URL+"/api/v1/records/nope"))
	assert.Equal(t, http.StatusOK, do(t, http.MethodDelete, srv.URL+"/api/v1/records/001A"))
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, srv.URL+"/api/v1/records/001A"))
}

// Demo mode end to end: a record written over HTTP reaches an SSE subscriber.
func TestDemoMode_EndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	store := memory.NewStore(nil, logger)

	obs, err := observer.NewObserver(observer.Config{
		EntityName:   "Account",
		PollInterval: time.Hour,
	}, store, logger)
	require.NoError(t, err)
	t.Cleanup(obs.Stop)

	r := gin.New()
	v1 := r.Group("/api/v1")
	NewObserverHandler(obs, logger).RegisterRoutes(v1)
	NewRecordHandler(store, "Account", logger).RegisterRoutes(v1)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusCreated, do(t, http.MethodPost, srv.URL+"/api/v1/records/001A"))
	assert.Equal(t, http.StatusAccepted, do(t, http.MethodPost, srv.URL+"/api/v1/reconcile"))

	events := make(chan models.ChangeEvent, 1)
	go func() {
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var ev models.ChangeEvent
			if json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev) == nil {
				events <- ev
				return
			}
		}
	}()

	select {
	case ev := <-events:
		assert.Equal(t, "001A", ev.ID())
		assert.Equal(t, models.ChangeUpdate, ev.Type())
		assert.Equal(t, "Account", ev.EntityName())
	case <-time.After(5 * time.Second):
		t.Fatal("no event streamed")
	}
}
