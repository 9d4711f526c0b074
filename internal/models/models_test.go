package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeEvent_DeleteCarriesDeletedAt(t *testing.T) {
	at := time.Date(2024, 5, 10, 20, 13, 2, 0, time.UTC)
	ev := NewDeleteEvent("Account", DeletedRecord{ID: "001A", DeletedAt: at})

	assert.Equal(t, "001A", ev.ID())
	assert.Equal(t, ChangeDelete, ev.Type())
	assert.Equal(t, "Account", ev.EntityName())

	got, ok := ev.DeletedAt()
	require.True(t, ok)
	assert.True(t, at.Equal(got))
}

func TestChangeEvent_ExtraIsCopied(t *testing.T) {
	ev := NewDeleteEvent("Account", DeletedRecord{ID: "001A", DeletedAt: time.Now()})

	extra := ev.Extra()
	extra[ExtraDeletedAt] = "tampered"
	extra["other"] = 1

	_, ok := ev.DeletedAt()
	assert.True(t, ok)
	assert.Len(t, ev.Extra(), 1)
}

func TestChangeEvent_DeleteWithoutDeletionTime(t *testing.T) {
	ev := NewDeleteEvent("Account", DeletedRecord{ID: "001A"})
	assert.Equal(t, ChangeDelete, ev.Type())
	assert.Empty(t, ev.Extra())

	_, ok := ev.DeletedAt()
	assert.False(t, ok)
}

func TestChangeEvent_UpdateHasEmptyExtra(t *testing.T) {
	ev := NewUpdateEvent("Account", "001B")
	assert.Equal(t, ChangeUpdate, ev.Type())
	assert.Empty(t, ev.Extra())

	_, ok := ev.DeletedAt()
	assert.False(t, ok)
}

func TestChangeEvent_JSON(t *testing.T) {
	at := time.Date(2024, 5, 10, 20, 13, 2, 0, time.UTC)
	ev := NewDeleteEvent("Account", DeletedRecord{ID: "001A", DeletedAt: at})

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"id":"001A","type":"delete","entityName":"Account","extra":{"deletedAt":"2024-05-10T20:13:02Z"}}`,
		string(data))

	var back ChangeEvent
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ev.ID(), back.ID())
	assert.Equal(t, ev.Type(), back.Type())
	got, ok := back.DeletedAt()
	require.True(t, ok)
	assert.True(t, at.Equal(got))

	data, err = json.Marshal(NewUpdateEvent("Account", "001B"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"001B","type":"update","entityName":"Account"}`, string(data))
}

func TestParseChangeType(t *testing.T) {
	ct, err := ParseChangeType("delete")
	require.NoError(t, err)
	assert.Equal(t, ChangeDelete, ct)

	_, err = ParseChangeType("undelete")
	assert.Error(t, err)

	var ev ChangeEvent
	assert.Error(t, json.Unmarshal([]byte(`{"id":"x","type":"bogus"}`), &ev))
}
