package salesforce

import (
	"bytes"
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

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/georgeji/record-observer/internal/models"
	"github.com/georgeji/record-observer/internal/source"
)

const (
	ProductionLoginURL = "https://login.salesforce.com"
	SandboxLoginURL    = "https://test.salesforce.com"
	DefaultAPIVersion  = "36.0"

	// sub-minute precision is truncated by the API; seconds are kept
	windowTimeLayout   = "2006-01-02T15:04:05"
	responseTimeLayout = "2006-01-02T15:04:05.000-0700"
)

// Config Salesforce 连接配置
type Config struct {
	LoginURL     string
	Sandbox      bool
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	APIVersion   string
	RetryMax     int
}

func (c Config) loginURL() string {
	if c.LoginURL != "" {
		return strings.TrimRight(c.LoginURL, "/")
	}
	if c.Sandbox {
		return SandboxLoginURL
	}
	return ProductionLoginURL
}

func (c Config) apiVersion() string {
	if c.APIVersion == "" {
		return DefaultAPIVersion
	}
	return c.APIVersion
}

// Client implements source.Source against the Salesforce REST and streaming APIs.
type Client struct {
	cfg    Config
	http   *retryablehttp.Client
	logger *zap.Logger

	mu      sync.RWMutex
	session *session
}

type session struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
	TokenType   string `json:"token_type"`
}

var _ source.Source = (*Client)(nil)

// APIError is an error body returned by the REST API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("salesforce api: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// NewClient 创建 Salesforce 客户端
func NewClient(cfg Config, logger *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	if cfg.RetryMax > 0 {
		rc.RetryMax = cfg.RetryMax
	}
	return &Client{
		cfg:    cfg,
		http:   rc,
		logger: logger,
	}
}

// Authenticate runs the OAuth2 username-password flow.
func (c *Client) Authenticate(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	c.logger.Debug("salesforce login",
		zap.String("login_url", c.cfg.loginURL()),
		zap.String("username", c.cfg.Username),
		zap.String("password", strings.Repeat("*", len(c.cfg.Password))),
	)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.loginURL()+"/services/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		return &APIError{StatusCode: resp.StatusCode, Code: oauthErr.Error, Message: oauthErr.Description}
	}

	var s session
	if err := json.Unmarshal(body, &s); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if s.AccessToken == "" || s.InstanceURL == "" {
		return errors.New("login response missing access token or instance url")
	}
	s.InstanceURL = strings.TrimRight(s.InstanceURL, "/")

	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()

	c.logger.Info("salesforce session established", zap.String("instance_url", s.InstanceURL))
	return nil
}

// EnsureChangeTopic creates the PushTopic unless a topic with that name is visible.
func (c *Client) EnsureChangeTopic(ctx context.Context, topic, entityName string) (source.TopicStatus, error) {
	if !source.ValidIdentifier(topic) || !source.ValidIdentifier(entityName) {
		return 0, fmt.Errorf("invalid topic %q or entity %q", topic, entityName)
	}

	var existing struct {
		TotalSize int `json:"totalSize"`
	}
	q := url.Values{}
	q.Set("q", fmt.Sprintf("SELECT Id FROM PushTopic WHERE Name = '%s'", topic))
	if err := c.doJSON(ctx, http.MethodGet, c.dataPath("/query/")+"?"+q.Encode(), nil, &existing); err != nil {
		return 0, fmt.Errorf("query push topic: %w", err)
	}
	if existing.TotalSize > 0 {
		return source.TopicAlreadyExists, nil
	}

	apiVersion := json.Number(c.cfg.apiVersion())
	body := map[string]any{
		"Name":                       topic,
		"Query":                      "SELECT Id FROM " + entityName,
		"ApiVersion":                 apiVersion,
		"NotifyForOperationCreate":   true,
		"NotifyForOperationUpdate":   true,
		"NotifyForOperationUndelete": true,
		"NotifyForOperationDelete":   true,
		"NotifyForFields":            "All",
	}
	err := c.doJSON(ctx, http.MethodPost, c.dataPath("/sobjects/PushTopic/"), body, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "DUPLICATE_VALUE" {
		return source.TopicAlreadyExists, nil
	}
	if err != nil {
		return 0, fmt.Errorf("create push topic: %w", err)
	}

	c.logger.Info("push topic created", zap.String("topic", topic))
	return source.TopicCreated, nil
}

func (c *Client) ListUpdated(ctx context.Context, entityName string, start, end time.Time) (*source.UpdatedResult, error) {
	var resp struct {
		IDs               []string `json:"ids"`
		LatestDateCovered string   `json:"latestDateCovered"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.windowPath(entityName, "updated", start, end), nil, &resp); err != nil {
		return nil, fmt.Errorf("get updated %s: %w", entityName, err)
	}

	res := &source.UpdatedResult{IDs: resp.IDs}
	if res.IDs == nil {
		res.IDs = []string{}
	}
	res.LatestDateCovered = c.responseTime("latestDateCovered", resp.LatestDateCovered)
	return res, nil
}

func (c *Client) ListDeleted(ctx context.Context, entityName string, start, end time.Time) (*source.DeletedResult, error) {
	var resp struct {
		DeletedRecords []struct {
			ID          string `json:"id"`
			DeletedDate string `json:"deletedDate"`
		} `json:"deletedRecords"`
		EarliestDateAvailable string `json:"earliestDateAvailable"`
		LatestDateCovered     string `json:"latestDateCovered"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.windowPath(entityName, "deleted", start, end), nil, &resp); err != nil {
		return nil, fmt.Errorf("get deleted %s: %w", entityName, err)
	}

	res := &source.DeletedResult{
		Records:               make([]models.DeletedRecord, 0, len(resp.DeletedRecords)),
		EarliestDateAvailable: c.responseTime("earliestDateAvailable", resp.EarliestDateAvailable),
		LatestDateCovered:     c.responseTime("latestDateCovered", resp.LatestDateCovered),
	}
	for _, rec := range resp.DeletedRecords {
		deletedAt, err := parseResponseTime(rec.DeletedDate)
		if err != nil {
			// 删除事件照发，只是不带 deletedAt
			c.logger.Warn("unparseable deletedDate",
				zap.String("id", rec.ID),
				zap.String("raw", rec.DeletedDate),
				zap.Error(err),
			)
		}
		res.Records = append(res.Records, models.DeletedRecord{
			ID:        rec.ID,
			DeletedAt: deletedAt,
		})
	}
	return res, nil
}

// SubscribeLive opens a CometD long-polling subscription on /topic/<topic>.
func (c *Client) SubscribeLive(ctx context.Context, topic string, onMessage func(source.Message)) (source.Subscription, error) {
	s, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	return startCometd(ctx, cometdConfig{
		endpoint:  fmt.Sprintf("%s/cometd/%s", s.InstanceURL, c.cfg.apiVersion()),
		channel:   "/topic/" + topic,
		token:     c.accessToken,
		onMessage: onMessage,
		logger:    c.logger,
	})
}

func (c *Client) currentSession() (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, source.ErrNotAuthenticated
	}
	return c.session, nil
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

func (c *Client) dataPath(p string) string {
	return "/services/data/v" + c.cfg.apiVersion() + p
}

func (c *Client) windowPath(entityName, kind string, start, end time.Time) string {
	q := url.Values{}
	q.Set("start", formatWindowTime(start))
	q.Set("end", formatWindowTime(end))
	return c.dataPath(fmt.Sprintf("/sobjects/%s/%s/", url.PathEscape(entityName), kind)) + "?" + q.Encode()
}

// doJSON sends an authenticated request. An expired session is renewed once.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	err := c.doJSONOnce(ctx, method, path, in, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		c.logger.Info("salesforce session expired, logging in again")
		if err := c.Authenticate(ctx); err != nil {
			return fmt.Errorf("renew session: %w", err)
		}
		return c.doJSONOnce(ctx, method, path, in, out)
	}
	return err
}

func (c *Client) doJSONOnce(ctx context.Context, method, path string, in, out any) error {
	s, err := c.currentSession()
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, s.InstanceURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseAPIError(status int, data []byte) error {
	var errs []struct {
		Message   string `json:"message"`
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(data, &errs); err == nil && len(errs) > 0 {
		return &APIError{StatusCode: status, Code: errs[0].ErrorCode, Message: errs[0].Message}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(data))}
}

func formatWindowTime(t time.Time) string {
	return t.UTC().Format(windowTimeLayout) + "+00:00"
}

// parseResponseTime accepts the REST API's millisecond layout and RFC3339.
// An empty value is the zero time.
func parseResponseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(responseTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse response time %q: %w", s, err)
	}
	return t, nil
}

func (c *Client) responseTime(field, raw string) time.Time {
	t, err := parseResponseTime(raw)
	if err != nil {
		c.logger.Warn("unparseable response time", zap.String("field", field), zap.String("raw", raw), zap.Error(err))
	}
	return t
}
