package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Event names a signaling message on the wire
type Event string

// Client -> relay events.
const (
	EventJoinRoom     Event = "join-room"
	EventLeaveRoom    Event = "leave-room"
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventIceCandidate Event = "ice-candidate"
	EventCallRejected Event = "call-rejected"
)

// Relay -> client events. offer, answer, ice-candidate and call-rejected
// reuse the client event names.
const (
	EventConnected        Event = "connected"
	EventRoomJoined       Event = "room-joined"
	EventUserConnected    Event = "user-connected"
	EventUserDisconnected Event = "user-disconnected"
	EventError            Event = "error"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

// DecodeError is returned when an inbound frame cannot be turned into a message.
type DecodeError struct {
	Event Event
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Envelope is the frame every message travels in.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is anything that can be framed.
type Message interface {
	Event() Event
}

// ClientMessage is the closed set of messages a client may send to the relay.
type ClientMessage interface {
	Message
	validate() error
}

// JoinRoom asks the relay to add the sender to a room.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// LeaveRoom asks the relay to remove the sender from a room.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// SendOffer is an offer addressed to every other member of a room.
type SendOffer struct {
	Target string                    `json:"target"`
	Offer  webrtc.SessionDescription `json:"offer"`
}

// SendAnswer is an answer addressed to one connection.
type SendAnswer struct {
	Target string                    `json:"target"`
	Answer webrtc.SessionDescription `json:"answer"`
}

// SendIceCandidate is a candidate addressed to one connection.
type SendIceCandidate struct {
	Target    string                   `json:"target"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// RejectCall tells the inviter the call was declined.
type RejectCall struct {
	Target string `json:"target"`
}

func (JoinRoom) Event() Event         { return EventJoinRoom }
func (LeaveRoom) Event() Event        { return EventLeaveRoom }
func (SendOffer) Event() Event        { return EventOffer }
func (SendAnswer) Event() Event       { return EventAnswer }
func (SendIceCandidate) Event() Event { return EventIceCandidate }
func (RejectCall) Event() Event       { return EventCallRejected }

func (m JoinRoom) validate() error  { return requireField("roomId", m.RoomID) }
func (m LeaveRoom) validate() error { return requireField("roomId", m.RoomID) }

func (m SendOffer) validate() error {
	if err := requireField("target", m.Target); err != nil {
		return err
	}
	return validateDescription("offer", m.Offer, webrtc.SDPTypeOffer)
}

func (m SendAnswer) validate() error {
	if err := requireField("target", m.Target); err != nil {
		return err
	}
	return validateDescription("answer", m.Answer, webrtc.SDPTypeAnswer)
}

func (m SendIceCandidate) validate() error {
	if err := requireField("target", m.Target); err != nil {
		return err
	}
	if m.Candidate == nil {
		return fmt.Errorf("%w: candidate is required", ErrInvalidPayload)
	}
	return nil
}

func (m RejectCall) validate() error { return requireField("target", m.Target) }

// ServerMessage is the closed set of messages the relay sends to clients.
type ServerMessage interface {
	Message
	serverMessage()
}

// Connected tells a client its relay-assigned connection id.
type Connected struct {
	ConnectionID string `json:"connectionId"`
}

// RoomJoined confirms a join and lists the other members at that moment.
type RoomJoined struct {
	RoomID  string   `json:"roomId"`
	Members []string `json:"members"`
}

type UserConnected struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
}

type UserDisconnected struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
}

type OfferReceived struct {
	Offer  webrtc.SessionDescription `json:"offer"`
	Sender string                    `json:"sender"`
}

type AnswerReceived struct {
	Answer webrtc.SessionDescription `json:"answer"`
	Sender string                    `json:"sender"`
}

type IceCandidateReceived struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Sender    string                  `json:"sender"`
}

// CallRejected carries nothing beyond the rejection itself.
type CallRejected struct{}

// ErrorNotice reports a message the relay refused to process.
type ErrorNotice struct {
	For     Event  `json:"event,omitempty"`
	Message string `json:"message"`
}

func (Connected) Event() Event            { return EventConnected }
func (RoomJoined) Event() Event           { return EventRoomJoined }
func (UserConnected) Event() Event        { return EventUserConnected }
func (UserDisconnected) Event() Event     { return EventUserDisconnected }
func (OfferReceived) Event() Event        { return EventOffer }
func (AnswerReceived) Event() Event       { return EventAnswer }
func (IceCandidateReceived) Event() Event { return EventIceCandidate }
func (CallRejected) Event() Event         { return EventCallRejected }
func (ErrorNotice) Event() Event          { return EventError }

func (Connected) serverMessage()            {}
func (RoomJoined) serverMessage()           {}
func (UserConnected) serverMessage()        {}
func (UserDisconnected) serverMessage()     {}
func (OfferReceived) serverMessage()        {}
func (AnswerReceived) serverMessage()       {}
func (IceCandidateReceived) serverMessage() {}
func (CallRejected) serverMessage()         {}
func (ErrorNotice) serverMessage()          {}

// Encode frames a message as an envelope.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", m.Event(), err)
	}
	return json.Marshal(Envelope{Event: m.Event(), Data: data})
}

// DecodeClientMessage parses and validates a frame sent by a client.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	var msg ClientMessage
	switch env.Event {
	case EventJoinRoom:
		roomID, err := decodeRoomID(env.Data)
		if err != nil {
			return nil, &DecodeError{Event: env.Event, Err: err}
		}
		msg = JoinRoom{RoomID: roomID}
	case EventLeaveRoom:
		roomID, err := decodeRoomID(env.Data)
		if err != nil {
			return nil, &DecodeError{Event: env.Event, Err: err}
		}
		msg = LeaveRoom{RoomID: roomID}
	case EventOffer:
		msg, err = decodeData[SendOffer](env.Data)
	case EventAnswer:
		msg, err = decodeData[SendAnswer](env.Data)
	case EventIceCandidate:
		msg, err = decodeData[SendIceCandidate](env.Data)
	case EventCallRejected:
		msg, err = decodeData[RejectCall](env.Data)
	default:
		return nil, &DecodeError{Event: env.Event, Err: ErrUnknownEvent}
	}
	if err != nil {
		return nil, &DecodeError{Event: env.Event, Err: err}
	}

	if err := msg.validate(); err != nil {
		return nil, &DecodeError{Event: env.Event, Err: err}
	}
	return msg, nil
}

// DecodeServerMessage parses a frame sent by the relay.
func DecodeServerMessage(raw []byte) (ServerMessage, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	var msg ServerMessage
	switch env.Event {
	case EventConnected:
		msg, err = decodeData[Connected](env.Data)
	case EventRoomJoined:
		msg, err = decodeData[RoomJoined](env.Data)
	case EventUserConnected:
		msg, err = decodeData[UserConnected](env.Data)
	case EventUserDisconnected:
		msg, err = decodeData[UserDisconnected](env.Data)
	case EventOffer:
		msg, err = decodeData[OfferReceived](env.Data)
	case EventAnswer:
		msg, err = decodeData[AnswerReceived](env.Data)
	case EventIceCandidate:
		msg, err = decodeData[IceCandidateReceived](env.Data)
	case EventCallRejected:
		msg = CallRejected{}
	case EventError:
		msg, err = decodeData[ErrorNotice](env.Data)
	default:
		return nil, &DecodeError{Event: env.Event, Err: ErrUnknownEvent}
	}
	if err != nil {
		return nil, &DecodeError{Event: env.Event, Err: err}
	}
	return msg, nil
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if env.Event == "" {
		return Envelope{}, &DecodeError{Err: fmt.Errorf("%w: event is required", ErrMalformed)}
	}
	return env, nil
}

func decodeData[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, fmt.Errorf("%w: data is required", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

// decodeRoomID accepts either a bare JSON string or {"roomId": ...}.
func decodeRoomID(data json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var roomID string
		if err := json.Unmarshal(trimmed, &roomID); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return roomID, nil
	}

	v, err := decodeData[JoinRoom](data)
	if err != nil {
		return "", err
	}
	return v.RoomID, nil
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidPayload, name)
	}
	return nil
}

func validateDescription(name string, sd webrtc.SessionDescription, want webrtc.SDPType) error {
	if sd.Type != want {
		return fmt.Errorf("%w: %s must have type %q", ErrInvalidPayload, name, want.String())
	}
	if sd.SDP == "" {
		return fmt.Errorf("%w: %s.sdp is required", ErrInvalidPayload, name)
	}
	return nil
}
