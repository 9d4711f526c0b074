package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ParseChangeType accepts "update" or "delete".
func ParseChangeType(s string) (ChangeType, error) {
	switch ChangeType(s) {
	case ChangeUpdate, ChangeDelete:
		return ChangeType(s), nil
	default:
		return "", fmt.Errorf("unknown change type: %q", s)
	}
}

// DeletedRecord 远端删除记录
type DeletedRecord struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deletedAt"`
}

// ExtraDeletedAt is the Extra key carrying a delete event's deletion time.
const ExtraDeletedAt = "deletedAt"

// ChangeEvent is one observed create/update/delete of a record. It is a value
// type; the extra map is copied in and out so an event never changes after
// construction.
type ChangeEvent struct {
	id         string
	changeType ChangeType
	entityName string
	extra      map[string]any
}

// NewUpdateEvent builds an update event. Update events carry no extra data.
func NewUpdateEvent(entityName, id string) ChangeEvent {
	return ChangeEvent{
		id:         id,
		changeType: ChangeUpdate,
		entityName: entityName,
		extra:      map[string]any{},
	}
}

// NewDeleteEvent builds a delete event with the deletion metadata merged into
// extra. An unknown (zero) deletion time is left out.
func NewDeleteEvent(entityName string, rec DeletedRecord) ChangeEvent {
	extra := map[string]any{}
	if !rec.DeletedAt.IsZero() {
		extra[ExtraDeletedAt] = rec.DeletedAt
	}
	return ChangeEvent{
		id:         rec.ID,
		changeType: ChangeDelete,
		entityName: entityName,
		extra:      extra,
	}
}

func (e ChangeEvent) ID() string         { return e.id }
func (e ChangeEvent) Type() ChangeType   { return e.changeType }
func (e ChangeEvent) EntityName() string { return e.entityName }

// Extra returns a copy of the event's extra data.
func (e ChangeEvent) Extra() map[string]any {
	out := make(map[string]any, len(e.extra))
	for k, v := range e.extra {
		out[k] = v
	}
	return out
}

// DeletedAt returns the deletion time of a delete event.
func (e ChangeEvent) DeletedAt() (time.Time, bool) {
	t, ok := e.extra[ExtraDeletedAt].(time.Time)
	return t, ok
}

type changeEventJSON struct {
	ID         string         `json:"id"`
	Type       ChangeType     `json:"type"`
	EntityName string         `json:"entityName"`
	Extra      map[string]any `json:"extra,omitempty"`
}

func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(changeEventJSON{
		ID:         e.id,
		Type:       e.changeType,
		EntityName: e.entityName,
		Extra:      e.extra,
	})
}

// UnmarshalJSON is used by stream consumers such as the tail client.
func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var raw changeEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if _, err := ParseChangeType(string(raw.Type)); err != nil {
		return err
	}
	extra := raw.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	if s, ok := extra[ExtraDeletedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			extra[ExtraDeletedAt] = t
		}
	}
	*e = ChangeEvent{
		id:         raw.ID,
		changeType: raw.Type,
		entityName: raw.EntityName,
		extra:      extra,
	}
	return nil
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s/%s", e.changeType, e.entityName, e.id)
}
