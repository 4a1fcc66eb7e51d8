package relay

import (
	"encoding/json"

	"github.com/HMasataka/familyrelay/pkg/alert"
	"github.com/HMasataka/familyrelay/pkg/domain"
	"github.com/pion/webrtc/v4"
)

// Handler turns one inbound event into the events delivered to the
// other members of the sender's family. It must not block or mutate
// shared state.
type Handler func(sender domain.Connection, msg *domain.Message) ([]*domain.Message, error)

// builtinHandlers is the event catalog shared with the mobile apps
func builtinHandlers() map[domain.EventType]Handler {
	return map[domain.EventType]Handler{
		domain.EventUpdateLocation:       forward(domain.EventLocationReceive),
		domain.EventAISafetyAlert:        handleSafetyAlert,
		domain.EventRequestRemoteCheckin: handleRemoteCheckin,
		domain.EventWebRTCOffer:          extract(domain.EventWebRTCOffer, func(v *domain.WebRTCOffer) json.RawMessage { return v.Offer }),
		domain.EventWebRTCAnswer:         extract(domain.EventWebRTCAnswer, func(v *domain.WebRTCAnswer) json.RawMessage { return v.Answer }),
		domain.EventICECandidate:         extract(domain.EventICECandidate, func(v *domain.ICECandidate) json.RawMessage { return v.Candidate }),
		domain.EventAudioChunk:           extract(domain.EventAudioChunkReceive, func(v *domain.AudioChunk) json.RawMessage { return v.Chunk }),
		domain.EventStartAudioRequest:    signal(domain.EventStartMicCapture),
		domain.EventSOSAlert:             forward(domain.EventParentSOSReceive),
		domain.EventTriggerAlarm:         signal(domain.EventRingAlarmCommand),
		domain.EventUsageReport:          extract(domain.EventUsageDisplay, func(v *domain.UsageReport) json.RawMessage { return v.AppList }),
		domain.EventTamperAlert:          handleTamperAlert,
	}
}

// forward relays the whole inbound payload under a new name
func forward(eventType domain.EventType) Handler {
	return func(_ domain.Connection, msg *domain.Message) ([]*domain.Message, error) {
		return single(eventType, msg.Data)
	}
}

// signal relays only the fact that the event happened
func signal(eventType domain.EventType) Handler {
	return func(domain.Connection, *domain.Message) ([]*domain.Message, error) {
		return single(eventType, nil)
	}
}

// extract relays one field of the inbound envelope, unchanged
func extract[T any](eventType domain.EventType, field func(*T) json.RawMessage) Handler {
	return func(_ domain.Connection, msg *domain.Message) ([]*domain.Message, error) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return nil, err
		}
		return single(eventType, field(&v))
	}
}

func handleSafetyAlert(_ domain.Connection, msg *domain.Message) ([]*domain.Message, error) {
	var a domain.SafetyAlert
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		return nil, err
	}
	return single(domain.EventParentNotification, alert.SafetyNotification(a))
}

func handleRemoteCheckin(_ domain.Connection, msg *domain.Message) ([]*domain.Message, error) {
	var req domain.RemoteCheckinRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, err
	}
	return single(domain.EventStartStreamRequest, domain.StreamStartRequest{Type: req.Type})
}

func handleTamperAlert(domain.Connection, *domain.Message) ([]*domain.Message, error) {
	return single(domain.EventParentNotification, alert.TamperNotification())
}

func single(eventType domain.EventType, data any) ([]*domain.Message, error) {
	msg, err := domain.NewMessage(eventType, data)
	if err != nil {
		return nil, err
	}
	return []*domain.Message{msg}, nil
}

// sdpType reads the type of a relayed session description for logging.
// The relayed bytes are never rewritten.
func sdpType(msg *domain.Message) string {
	var envelope struct {
		Offer  *webrtc.SessionDescription `json:"offer"`
		Answer *webrtc.SessionDescription `json:"answer"`
	}
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		return ""
	}

	switch {
	case envelope.Offer != nil:
		return envelope.Offer.Type.String()
	case envelope.Answer != nil:
		return envelope.Answer.Type.String()
	default:
		return ""
	}
}
