package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/georgeji/record-observer/internal/models"
	"github.com/georgeji/record-observer/pkg/auth"
)

// tailClient 事件流客户端：断线自动重连
type tailClient struct {
	baseURL   string
	types     []models.ChangeType
	accessKey string
	secretKey string

	http   *retryablehttp.Client
	logger *zap.Logger

	outMu sync.Mutex
	out   io.Writer

	maxInterval time.Duration
}

func newTailClient(baseURL string, types []models.ChangeType, out io.Writer, logger *zap.Logger) *tailClient {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 3
	// the stream stays open; only the context ends it
	rc.HTTPClient = &http.Client{}

	return &tailClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		types:       types,
		http:        rc,
		logger:      logger,
		out:         out,
		maxInterval: 30 * time.Second,
	}
}

func (c *tailClient) withCredentials(accessKey, secretKey string) *tailClient {
	c.accessKey = accessKey
	c.secretKey = secretKey
	return c
}

// Run streams until ctx ends, reconnecting with backoff.
func (c *tailClient) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = c.maxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		received, err := c.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received > 0 {
			b.Reset()
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}

		wait := b.NextBackOff()
		c.logger.Warn("event stream ended, reconnecting",
			zap.Int("received", received),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *tailClient) eventsURL() string {
	q := url.Values{}
	for _, t := range c.types {
		q.Add("type", string(t))
	}
	u := c.baseURL + "/api/v1/events"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// stream reads one connection and returns how many events it printed.
func (c *tailClient) stream(ctx context.Context) (int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.eventsURL(), nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.accessKey != "" {
		auth.SignRequest(req.Request, c.accessKey, c.secretKey, nil, time.Now())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		body, _ := io.ReadAll(resp.Body)
		return 0, backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	c.logger.Info("event stream connected", zap.String("url", c.eventsURL()))

	received := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var ev models.ChangeEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			c.logger.Warn("skip malformed event", zap.String("payload", payload), zap.Error(err))
			continue
		}
		if err := c.print(ev); err != nil {
			return received, backoff.Permanent(err)
		}
		received++
	}
	if err := scanner.Err(); err != nil {
		return received, err
	}
	return received, io.EOF
}

func (c *tailClient) print(ev models.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}
