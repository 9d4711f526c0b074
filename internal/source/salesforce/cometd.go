package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/georgeji/record-observer/internal/source"
)

const (
	channelHandshake  = "/meta/handshake"
	channelSubscribe  = "/meta/subscribe"
	channelConnect    = "/meta/connect"
	channelDisconnect = "/meta/disconnect"

	adviceHandshake = "handshake"
	adviceNone      = "none"

	disconnectTimeout = 5 * time.Second
)

// ErrUnknownClient is returned when the server forgets the Bayeux client id.
var ErrUnknownClient = errors.New("cometd: unknown client")

type bayeuxMessage struct {
	Channel                  string          `json:"channel"`
	ClientID                 string          `json:"clientId,omitempty"`
	ID                       string          `json:"id,omitempty"`
	Version                  string          `json:"version,omitempty"`
	MinimumVersion           string          `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	Successful               *bool           `json:"successful,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Advice                   *bayeuxAdvice   `json:"advice,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
}

type bayeuxAdvice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  int64  `json:"interval,omitempty"`
	Timeout   int64  `json:"timeout,omitempty"`
}

func (m bayeuxMessage) ok() bool {
	return m.Successful != nil && *m.Successful
}

type cometdConfig struct {
	endpoint  string
	channel   string
	token     func() string
	onMessage func(source.Message)
	logger    *zap.Logger
}

// cometdSubscription is a long-polling Bayeux client bound to one channel.
type cometdSubscription struct {
	cfg    cometdConfig
	http   *retryablehttp.Client
	cancel context.CancelFunc

	clientID string
	seq      int

	done      chan struct{}
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

var _ source.Subscription = (*cometdSubscription)(nil)

func startCometd(ctx context.Context, cfg cometdConfig) (*cometdSubscription, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 2
	// long polls are held open by the server; only the context bounds them
	rc.HTTPClient = &http.Client{Jar: jar}

	runCtx, cancel := context.WithCancel(ctx)
	s := &cometdSubscription{
		cfg:    cfg,
		http:   rc,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := s.handshakeAndSubscribe(runCtx); err != nil {
		cancel()
		return nil, err
	}

	go s.connectLoop(runCtx)
	return s, nil
}

func (s *cometdSubscription) Done() <-chan struct{} { return s.done }

func (s *cometdSubscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *cometdSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
	})
	<-s.done
	return nil
}

func (s *cometdSubscription) finish(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	close(s.done)
}

func (s *cometdSubscription) handshakeAndSubscribe(ctx context.Context) error {
	replies, err := s.send(ctx, bayeuxMessage{
		Channel:                  channelHandshake,
		Version:                  "1.0",
		MinimumVersion:           "1.0",
		SupportedConnectionTypes: []string{"long-polling"},
	})
	if err != nil {
		return fmt.Errorf("cometd handshake: %w", err)
	}
	hs, ok := findReply(replies, channelHandshake)
	if !ok || !hs.ok() {
		return fmt.Errorf("cometd handshake rejected: %s", hs.Error)
	}
	s.clientID = hs.ClientID

	replies, err = s.send(ctx, bayeuxMessage{
		Channel:      channelSubscribe,
		ClientID:     s.clientID,
		Subscription: s.cfg.channel,
	})
	if err != nil {
		return fmt.Errorf("cometd subscribe: %w", err)
	}
	sub, ok := findReply(replies, channelSubscribe)
	if !ok || !sub.ok() {
		return fmt.Errorf("cometd subscribe %s rejected: %s", s.cfg.channel, sub.Error)
	}

	s.cfg.logger.Info("cometd subscribed",
		zap.String("channel", s.cfg.channel),
		zap.String("client_id", s.clientID),
	)
	return nil
}

func (s *cometdSubscription) connectLoop(ctx context.Context) {
	for {
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			s.disconnect()
			s.finish(nil)
			return
		}
		if errors.Is(err, ErrUnknownClient) {
			s.cfg.logger.Info("cometd client expired, handshaking again", zap.String("channel", s.cfg.channel))
			if err = s.handshakeAndSubscribe(ctx); err == nil {
				continue
			}
		}
		if err != nil {
			s.finish(err)
			return
		}
	}
}

func (s *cometdSubscription) connectOnce(ctx context.Context) error {
	replies, err := s.send(ctx, bayeuxMessage{
		Channel:        channelConnect,
		ClientID:       s.clientID,
		ConnectionType: "long-polling",
	})
	if err != nil {
		return err
	}

	for _, m := range replies {
		switch {
		case m.Channel == s.cfg.channel:
			s.cfg.onMessage(source.Message(m.Data))
		case m.Channel == channelConnect && !m.ok():
			if m.Advice != nil && m.Advice.Reconnect == adviceNone {
				return fmt.Errorf("cometd connect refused: %s", m.Error)
			}
			if (m.Advice != nil && m.Advice.Reconnect == adviceHandshake) || strings.HasPrefix(m.Error, "403") {
				return ErrUnknownClient
			}
			return fmt.Errorf("cometd connect failed: %s", m.Error)
		}
	}
	return nil
}

func (s *cometdSubscription) disconnect() {
	if s.clientID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if _, err := s.send(ctx, bayeuxMessage{Channel: channelDisconnect, ClientID: s.clientID}); err != nil {
		s.cfg.logger.Debug("cometd disconnect failed", zap.Error(err))
	}
}

func (s *cometdSubscription) send(ctx context.Context, msg bayeuxMessage) ([]bayeuxMessage, error) {
	s.seq++
	msg.ID = fmt.Sprint(s.seq)

	body, err := json.Marshal([]bayeuxMessage{msg})
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.cfg.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.token())

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnknownClient
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cometd %s: status %d: %s", msg.Channel, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var replies []bayeuxMessage
	if err := json.Unmarshal(data, &replies); err != nil {
		return nil, fmt.Errorf("decode cometd reply: %w", err)
	}
	return replies, nil
}

func findReply(replies []bayeuxMessage, channel string) (bayeuxMessage, bool) {
	for _, m := range replies {
		if m.Channel == channel {
			return m, true
		}
	}
	return bayeuxMessage{}, false
}
