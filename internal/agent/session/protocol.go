package session

import (
	"encoding/json"
	"strings"
)

// The agent speaks newline-delimited JSON on stdin and stdout. A fresh
// session announces itself with
//
//	{"type":"system","subtype":"init","session_id":"..."}
//
// and user turns are written as
//
//	{"type":"user","message":{"role":"user","content":"..."}}

type userFrame struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemFrame struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// UserMessageFrame encodes text as one user turn, without a trailing newline.
func UserMessageFrame(text string) (string, error) {
	data, err := json.Marshal(userFrame{
		Type:    "user",
		Message: userMessage{Role: "user", Content: text},
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseSessionID returns the session id announced by an init line.
func ParseSessionID(line string) (string, bool) {
	if !strings.Contains(line, `"session_id"`) {
		return "", false
	}
	var frame systemFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return "", false
	}
	if frame.Type != "system" || frame.Subtype != "init" || frame.SessionID == "" {
		return "", false
	}
	return frame.SessionID, true
}
