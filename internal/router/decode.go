// File: internal/router/decode.go

// Package router turns raw frames into Envelopes and dispatches them to the
// store by category.
package router

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/simsync/internal/state"
)

// Envelope is one decoded inbound frame.
type Envelope struct {
	Category string
	Payload  any
	Source   string
}

// MalformedMessageError reports a frame that could not be decoded. The frame
// is dropped.
type MalformedMessageError struct {
	Reason string
	Frame  string // truncated for logging
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

const maxFrameInError = 128

func malformed(frame []byte, reason string, err error) *MalformedMessageError {
	f := string(frame)
	if len(f) > maxFrameInError {
		f = f[:maxFrameInError] + "..."
	}
	return &MalformedMessageError{Reason: reason, Frame: f, Err: err}
}

var (
	categoryKeys = []string{"type", "header", "table_name"}
	payloadKeys  = []string{"content", "payload"}
)

// Decode parses a frame. Socket.IO style frames ({"event": name, "data": {...}})
// are unwrapped first; an event whose data carries no category uses the event
// name as the category.
func Decode(frame []byte) (Envelope, error) {
	var raw any
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Envelope{}, malformed(frame, "not JSON", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return Envelope{}, malformed(frame, "not a JSON object", nil)
	}

	if event, isEvent := obj["event"].(string); isEvent {
		if data, ok := obj["data"].(map[string]any); ok {
			if _, has := findString(data, categoryKeys); !has {
				return Envelope{Category: event, Payload: state.CoerceValue(data), Source: stringOf(data["source"])}, nil
			}
			obj = data
		} else if _, has := findString(obj, categoryKeys); !has {
			return Envelope{Category: event, Payload: state.CoerceValue(obj["data"])}, nil
		}
	}

	category, ok := findString(obj, categoryKeys)
	if !ok {
		return Envelope{}, malformed(frame, "missing category", nil)
	}

	env := Envelope{Category: category, Source: stringOf(obj["source"])}
	if payload, ok := findAny(obj, payloadKeys); ok {
		env.Payload = state.CoerceValue(payload)
		return env, nil
	}

	// Flat frames carry their fields next to the category.
	rest := make(map[string]any, len(obj))
	for k, v := range obj {
		if isEnvelopeKey(k) {
			continue
		}
		rest[k] = v
	}
	env.Payload = rest
	return env, nil
}

func findString(obj map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

func findAny(obj map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func isEnvelopeKey(k string) bool {
	switch k {
	case "type", "header", "table_name", "source", "event":
		return true
	}
	return false
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// IsMalformed reports whether err is a *MalformedMessageError.
func IsMalformed(err error) bool {
	var mme *MalformedMessageError
	return errors.As(err, &mme)
}
