package authstream

import (
	"encoding/json"
	"strings"
	"time"
)

// forceLogoutEnvelope is the shape the server uses for queued events sent on
// the generic "message" channel.
type forceLogoutEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseFrame decodes a raw frame into a typed event. It never fails:
// payloads that are not valid JSON degrade to an EventUnknown carrying
// {"raw": payload}.
func ParseFrame(frame RawFrame, receivedAt time.Time) ParsedEvent {
	name := frame.EventType
	if name == "" {
		name = EventNameMessage
	}

	ev := ParsedEvent{
		Name:       name,
		ID:         frame.ID,
		ReceivedAt: receivedAt,
	}

	switch name {
	case EventNameHeartbeat:
		ev.Type = EventHeartbeat
		return ev
	case EventNameForceLogout:
		ev.Type = EventForceLogout
		ev.Data = forceLogoutData([]byte(frame.Data))
		return ev
	}

	var v any
	if err := json.Unmarshal([]byte(frame.Data), &v); err != nil {
		ev.Type = EventUnknown
		ev.Data = map[string]any{"raw": frame.Data}
		return ev
	}

	if name == EventNameMessage {
		var env forceLogoutEnvelope
		if json.Unmarshal([]byte(frame.Data), &env) == nil && env.Type == EventNameForceLogout {
			ev.Type = EventForceLogout
			ev.Data = forceLogoutData(env.Data)
			return ev
		}
	}

	ev.Type = EventMessage
	ev.Data = v
	return ev
}

// forceLogoutData decodes a force-logout payload, filling in the default
// message when the payload is unusable.
func forceLogoutData(payload []byte) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return map[string]any{"message": DefaultForceLogoutMessage}
	}
	if msg, ok := obj["message"].(string); !ok || strings.TrimSpace(msg) == "" {
		obj["message"] = DefaultForceLogoutMessage
	}
	return obj
}

// ForceLogoutMessage returns the human-readable message of a force-logout
// event, or DefaultForceLogoutMessage.
func ForceLogoutMessage(ev ParsedEvent) string {
	if obj, ok := ev.Data.(map[string]any); ok {
		if msg, ok := obj["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return DefaultForceLogoutMessage
}
