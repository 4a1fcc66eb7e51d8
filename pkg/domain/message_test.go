package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamilyIDUnmarshal(t *testing.T) {
	tests := map[string]FamilyID{
		`{"familyId":"fam1"}`:  "fam1",
		`{"familyId":1234}`:    "1234",
		`{"familyId":null}`:    "",
		`{}`:                   "",
		`{"familyId":"  x  "}`: "  x  ",
	}

	for in, want := range tests {
		var f Family
		require.NoError(t, json.Unmarshal([]byte(in), &f), in)
		assert.Equal(t, want, f.FamilyID, in)
	}

	var f Family
	assert.Error(t, json.Unmarshal([]byte(`{"familyId":{"id":1}}`), &f))
	assert.Error(t, json.Unmarshal([]byte(`{"familyId":true}`), &f))
}

func TestNewMessage(t *testing.T) {
	t.Run("struct data", func(t *testing.T) {
		msg, err := NewMessage(EventParentNotification, Notification{Title: "t", Message: "m"})
		require.NoError(t, err)

		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.Timestamp.IsZero())
		assert.JSONEq(t, `{"title":"t","message":"m"}`, string(msg.Data))
	})

	t.Run("raw data is kept verbatim", func(t *testing.T) {
		raw := json.RawMessage(`{"b":1,"a":2}`)
		msg, err := NewMessage(EventLocationReceive, raw)
		require.NoError(t, err)
		assert.Equal(t, string(raw), string(msg.Data))
	})

	t.Run("no data", func(t *testing.T) {
		msg, err := NewMessage(EventRingAlarmCommand, nil)
		require.NoError(t, err)

		b, err := json.Marshal(msg)
		require.NoError(t, err)
		assert.NotContains(t, string(b), `"data"`)
	})

	t.Run("unmarshalable data", func(t *testing.T) {
		_, err := NewMessage(EventUsageDisplay, make(chan int))
		assert.Error(t, err)
	})
}
