package keystroke

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	neg := -1
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"insert", NewInsert(0, "a", 0), false},
		{"insert far past end is allowed", NewInsert(1000, "a", 0), false},
		{"delete", NewDelete(3, 1, 10), false},
		{"replace", NewReplace(0, 2, "x", 10), false},
		{"unknown kind", Event{Kind: "MOVE"}, true},
		{"negative position", NewInsert(-1, "a", 0), true},
		{"negative timestamp", NewInsert(0, "a", -5), true},
		{"negative length", Event{Kind: Delete, Position: 1, Length: &neg}, true},
		{"insert without value", Event{Kind: Insert}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAll_ReportsIndex(t *testing.T) {
	err := ValidateAll([]Event{NewInsert(0, "a", 0), {Kind: "NOPE"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event 1")
}

func TestEventJSON_WireShape(t *testing.T) {
	data, err := json.Marshal(NewDelete(4, 2, 1500))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"DELETE","position":4,"length":2,"relativeTimestamp":1500}`, string(data))

	data, err = json.Marshal(NewInsert(0, "x", 0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"INSERT","position":0,"value":"x","relativeTimestamp":0}`, string(data))
}

func TestEventJSON_DecodesKindCaseInsensitively(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"replace","position":1,"value":"z","relativeTimestamp":3}`), &ev))
	assert.Equal(t, Replace, ev.Kind)
	assert.Nil(t, ev.Length)
	assert.Equal(t, 0, ev.ReplaceLength())
}

func TestEventJSON_RejectsUnknownKind(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"type":"MOVE","position":1,"relativeTimestamp":3}`), &ev)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDefaultLengths(t *testing.T) {
	assert.Equal(t, 1, Event{Kind: Delete}.DeleteLength())
	assert.Equal(t, 0, Event{Kind: Replace}.ReplaceLength())
	assert.Equal(t, 3, NewDelete(5, 3, 0).DeleteLength())
}

func TestCloneAll_DoesNotSharePointers(t *testing.T) {
	orig := []Event{NewDelete(1, 2, 0).WithSnapshot("x")}
	clone := CloneAll(orig)

	*clone[0].Length = 9
	*clone[0].Snapshot = "y"

	assert.Equal(t, 2, *orig[0].Length)
	assert.Equal(t, "x", *orig[0].Snapshot)
	assert.Nil(t, CloneAll(nil))
}
