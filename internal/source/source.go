package source

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/georgeji/record-observer/internal/models"
)

// Source is the remote record store the observer watches. Implementations
// hold their own credentials and session.
type Source interface {
	// Authenticate establishes the remote session.
	Authenticate(ctx context.Context) error

	// EnsureChangeTopic creates the live-notification topic for an entity
	// unless it already exists.
	EnsureChangeTopic(ctx context.Context, topic, entityName string) (TopicStatus, error)

	// ListUpdated returns ids of records created or updated in [start, end].
	ListUpdated(ctx context.Context, entityName string, start, end time.Time) (*UpdatedResult, error)

	// ListDeleted returns records deleted in [start, end].
	ListDeleted(ctx context.Context, entityName string, start, end time.Time) (*DeletedResult, error)

	// SubscribeLive opens the push channel for topic. onMessage is called for
	// every notification; payloads are opaque.
	SubscribeLive(ctx context.Context, topic string, onMessage func(Message)) (Subscription, error)
}

// TopicStatus 主题创建结果
type TopicStatus int

const (
	TopicCreated TopicStatus = iota
	TopicAlreadyExists
)

func (s TopicStatus) String() string {
	switch s {
	case TopicCreated:
		return "created"
	case TopicAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// UpdatedResult 更新查询结果
type UpdatedResult struct {
	IDs []string
	// LatestDateCovered is reported by some stores; the observer does not
	// use it to move watermarks.
	LatestDateCovered time.Time
}

// DeletedResult 删除查询结果
type DeletedResult struct {
	Records               []models.DeletedRecord
	EarliestDateAvailable time.Time
	LatestDateCovered     time.Time
}

// Message is an opaque live notification.
type Message []byte

// Subscription is an open live channel.
type Subscription interface {
	// Done is closed when the subscription ends.
	Done() <-chan struct{}
	// Err reports why the subscription ended; nil after Close.
	Err() error
	Close() error
}

// ErrNotAuthenticated is returned by calls made before Authenticate.
var ErrNotAuthenticated = errors.New("source: not authenticated")

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to splice into a query as an
// entity or topic name.
func ValidIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}

// TopicName is the deterministic live topic name for an entity.
func TopicName(entityName string) string {
	return "Observer_" + entityName
}
