package domain

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/rs/xid"
)

// EventType is the wire name of an event
type EventType string

// Inbound events sent by devices
const (
	EventJoinRoom             EventType = "join-room"
	EventUpdateLocation       EventType = "update-location"
	EventAISafetyAlert        EventType = "ai-safety-alert"
	EventRequestRemoteCheckin EventType = "request-remote-checkin"
	EventAudioChunk           EventType = "audio-chunk"
	EventStartAudioRequest    EventType = "start-audio-request"
	EventSOSAlert             EventType = "sos-alert"
	EventTriggerAlarm         EventType = "trigger-alarm"
	EventUsageReport          EventType = "usage-report"
	EventTamperAlert          EventType = "tamper-alert"
)

// Signaling events keep their name in both directions
const (
	EventWebRTCOffer  EventType = "webrtc-offer"
	EventWebRTCAnswer EventType = "webrtc-answer"
	EventICECandidate EventType = "ice-candidate"
)

// Outbound events received by devices
const (
	EventLocationReceive    EventType = "location-receive"
	EventAlertGeofence      EventType = "alert-geofence"
	EventParentNotification EventType = "parent-notification"
	EventStartStreamRequest EventType = "start-stream-request"
	EventAudioChunkReceive  EventType = "audio-chunk-receive"
	EventStartMicCapture    EventType = "start-mic-capture"
	EventParentSOSReceive   EventType = "parent-sos-receive"
	EventRingAlarmCommand   EventType = "ring-alarm-command"
	EventUsageDisplay       EventType = "usage-display"
)

// Message is a single framed event. Data holds the event argument as
// raw JSON and is absent for events that carry no argument.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`

	// Binary maps the base64 text of payload values that arrived as raw
	// bytes back to those bytes, so binary codecs can restore them.
	Binary map[string][]byte `json:"-"`
}

// InheritBinary copies the binary values of from onto m. Messages
// derived from an inbound event call it so byte payloads survive the
// JSON handlers.
func (m *Message) InheritBinary(from *Message) {
	if from == nil || len(from.Binary) == 0 {
		return
	}
	if m.Binary == nil {
		m.Binary = make(map[string][]byte, len(from.Binary))
	}
	for k, v := range from.Binary {
		m.Binary[k] = v
	}
}

// NewMessage builds an outbound message with a fresh id. data is
// marshalled unless it is already raw JSON; nil produces no data.
func NewMessage(eventType EventType, data any) (*Message, error) {
	msg := &Message{
		ID:        xid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
	}

	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		msg.Data = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}

	return msg, nil
}

// FamilyID identifies a family channel. Devices send it as a string;
// numeric ids are accepted and kept in their literal form, so 5 and "5"
// name the same channel. Socket.io rooms keep those apart; this relay
// deliberately does not.
type FamilyID string

// UnmarshalJSON implements json.Unmarshaler
func (f *FamilyID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FamilyID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FamilyID(n.String())
	return nil
}

// Family is the routing envelope shared by every family-scoped event
type Family struct {
	FamilyID FamilyID `json:"familyId"`
}

// JoinRequest is the object form of the join-room argument
type JoinRequest struct {
	FamilyID FamilyID `json:"familyId"`
}

// LocationUpdate is sent by the child device. IsInsideGeofence is kept
// raw so only a literal false triggers the geofence alert.
type LocationUpdate struct {
	FamilyID         FamilyID        `json:"familyId"`
	Lat              json.RawMessage `json:"lat,omitempty"`
	Lng              json.RawMessage `json:"lng,omitempty"`
	Battery          json.RawMessage `json:"battery,omitempty"`
	IsInsideGeofence json.RawMessage `json:"isInsideGeofence,omitempty"`
}

// SafetyAlert is an on-device AI classification
type SafetyAlert struct {
	FamilyID FamilyID        `json:"familyId"`
	Category json.RawMessage `json:"category,omitempty"`
	Severity json.RawMessage `json:"severity,omitempty"`
	Snippet  json.RawMessage `json:"snippet,omitempty"`
}

// RemoteCheckinRequest asks the child device to start streaming
type RemoteCheckinRequest struct {
	FamilyID FamilyID        `json:"familyId"`
	Type     json.RawMessage `json:"type,omitempty"`
}

// WebRTCOffer wraps an SDP offer
type WebRTCOffer struct {
	FamilyID FamilyID        `json:"familyId"`
	Offer    json.RawMessage `json:"offer,omitempty"`
}

// WebRTCAnswer wraps an SDP answer
type WebRTCAnswer struct {
	FamilyID FamilyID        `json:"familyId"`
	Answer   json.RawMessage `json:"answer,omitempty"`
}

// ICECandidate wraps a trickled ICE candidate
type ICECandidate struct {
	FamilyID  FamilyID        `json:"familyId"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// AudioChunk carries one chunk of live microphone audio
type AudioChunk struct {
	FamilyID FamilyID        `json:"familyId"`
	Chunk    json.RawMessage `json:"chunk,omitempty"`
}

// UsageReport carries the child's app usage list
type UsageReport struct {
	FamilyID FamilyID        `json:"familyId"`
	AppList  json.RawMessage `json:"appList,omitempty"`
}

// GeofenceAlert is synthesized when the child leaves the safe zone
type GeofenceAlert struct {
	Msg string          `json:"msg"`
	Lat json.RawMessage `json:"lat,omitempty"`
	Lng json.RawMessage `json:"lng,omitempty"`
}

// Notification is shown on the parent device
type Notification struct {
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Content json.RawMessage `json:"content,omitempty"`
}

// StreamStartRequest tells the child device which stream to start
type StreamStartRequest struct {
	Type json.RawMessage `json:"type,omitempty"`
}
