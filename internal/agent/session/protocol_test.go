package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserMessageFrame(t *testing.T) {
	frame, err := UserMessageFrame("fix \"the\" bug\nplease")
	require.NoError(t, err)
	assert.NotContains(t, frame, "\n")

	var decoded userFrame
	require.NoError(t, json.Unmarshal([]byte(frame), &decoded))
	assert.Equal(t, "user", decoded.Type)
	assert.Equal(t, "user", decoded.Message.Role)
	assert.Equal(t, "fix \"the\" bug\nplease", decoded.Message.Content)
}

func TestParseSessionID(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{"init", `{"type":"system","subtype":"init","session_id":"abc","tools":[]}`, "abc", true},
		{"other subtype", `{"type":"system","subtype":"compact","session_id":"abc"}`, "", false},
		{"assistant line", `{"type":"assistant","session_id":"abc"}`, "", false},
		{"empty id", `{"type":"system","subtype":"init","session_id":""}`, "", false},
		{"not json", `session_id: abc`, "", false},
		{"no id", `{"type":"system","subtype":"init"}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseSessionID(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
