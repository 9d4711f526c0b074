package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderAccessKey = "X-Access-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	// MaxSkew bounds the timestamp window to prevent replay attacks.
	MaxSkew = 5 * time.Minute

	contextKeyClient = "auth.client"
)

var (
	ErrUnknownAccessKey  = errors.New("unknown access key")
	ErrTimestampExpired  = errors.New("timestamp expired")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// AKSK authentication handler
type AKSKAuth struct {
	store AKSKStore
	now   func() time.Time
}

// Store interface for AKSK credentials
type AKSKStore interface {
	GetClient(ctx context.Context, accessKey string) (*ClientInfo, error)
}

// ClientInfo 调用方信息
type ClientInfo struct {
	AccessKey string
	SecretKey string
	Name      string
}

// StaticStore serves credentials loaded from configuration.
type StaticStore map[string]ClientInfo

func NewStaticStore(clients ...ClientInfo) StaticStore {
	s := make(StaticStore, len(clients))
	for _, c := range clients {
		s[c.AccessKey] = c
	}
	return s
}

func (s StaticStore) GetClient(_ context.Context, accessKey string) (*ClientInfo, error) {
	c, ok := s[accessKey]
	if !ok {
		return nil, ErrUnknownAccessKey
	}
	return &c, nil
}

func NewAKSKAuth(store AKSKStore) *AKSKAuth {
	return &AKSKAuth{store: store, now: time.Now}
}

// GenerateSignature signs method, path (with query), timestamp and body.
func GenerateSignature(secretKey, method, path string, timestamp int64, body []byte) string {
	// 构造待签名字符串
	stringToSign := fmt.Sprintf("%s\n%s\n%d\n%s", method, path, timestamp, string(body))

	h := hmac.New(sha256.New, []byte(secretKey))
	h.Write([]byte(stringToSign))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks the request signature and returns the caller.
func (a *AKSKAuth) VerifySignature(ctx context.Context, accessKey, signature, timestampStr, method, path string, body []byte) (*ClientInfo, error) {
	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}

	// 检查时间戳（防重放攻击）
	if abs(a.now().Unix()-timestamp) > int64(MaxSkew/time.Second) {
		return nil, ErrTimestampExpired
	}

	client, err := a.store.GetClient(ctx, accessKey)
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}

	expected := GenerateSignature(client.SecretKey, method, path, timestamp, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, ErrSignatureMismatch
	}
	return client, nil
}

// Middleware rejects unsigned or badly signed requests with 401.
func (a *AKSKAuth) Middleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		client, err := a.VerifySignature(c.Request.Context(),
			c.GetHeader(HeaderAccessKey),
			c.GetHeader(HeaderSignature),
			c.GetHeader(HeaderTimestamp),
			c.Request.Method,
			c.Request.URL.RequestURI(),
			body,
		)
		if err != nil {
			logger.Warn("request rejected",
				zap.String("access_key", c.GetHeader(HeaderAccessKey)),
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(contextKeyClient, client)
		c.Next()
	}
}

// ClientFromContext returns the caller set by Middleware.
func ClientFromContext(c *gin.Context) (*ClientInfo, bool) {
	v, ok := c.Get(contextKeyClient)
	if !ok {
		return nil, false
	}
	client, ok := v.(*ClientInfo)
	return client, ok
}

// SignRequest sets the signing headers on req. body must match what is sent.
func SignRequest(req *http.Request, accessKey, secretKey string, body []byte, now time.Time) {
	ts := now.Unix()
	req.Header.Set(HeaderAccessKey, accessKey)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, GenerateSignature(secretKey, req.Method, req.URL.RequestURI(), ts, body))
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
