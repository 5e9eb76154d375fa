package relay

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/zhouzirui/care-relay/backend/internal/model/presence"
)

// FrameType tags outbound frames.
type FrameType string

const (
	FrameConnect    FrameType = "connect"
	FrameDisconnect FrameType = "disconnect"
	FrameMessage    FrameType = "message"
)

// RejectionFrame is written back verbatim when an inbound frame cannot be decoded.
const RejectionFrame = "invalid data"

// ErrInvalidFrame marks inbound frames that do not match the relay envelope.
var ErrInvalidFrame = errors.New("invalid relay frame")

var validate = validator.New()

// Frame is the outbound envelope. Data carries the JSON encoded inner payload as a string.
type Frame struct {
	Type FrameType `json:"type"`
	Data string    `json:"data"`
}

type presencePayload struct {
	ID string `json:"id"`
}

type messagePayload struct {
	Msg      string `json:"msg"`
	SenderID string `json:"sender_id"`
}

// inboundFrame mirrors {"msg": string, "recvid": string}; pointers tell missing keys from empty strings.
type inboundFrame struct {
	Msg    *string `validate:"required"`
	RecvID *string `validate:"required"`
}

// Envelope is a decoded inbound relay request.
type Envelope struct {
	Text        string
	RecipientID string
}

// DecodeEnvelope parses an inbound frame. Both keys must be present, spelled exactly,
// with string values. Other keys are ignored.
func DecodeEnvelope(data []byte) (Envelope, error) {
	// encoding/json folds key case on struct fields, so keys are matched by hand.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, errors.Wrap(ErrInvalidFrame, err.Error())
	}

	var in inboundFrame
	for key, dst := range map[string]**string{"msg": &in.Msg, "recvid": &in.RecvID} {
		value, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(value, dst); err != nil {
			return Envelope{}, errors.Wrapf(ErrInvalidFrame, "%s: %s", key, err.Error())
		}
	}
	if err := validate.Struct(in); err != nil {
		return Envelope{}, errors.Wrap(ErrInvalidFrame, err.Error())
	}
	return Envelope{Text: *in.Msg, RecipientID: *in.RecvID}, nil
}

// PresenceFrame encodes a presence transition for peers.
func PresenceFrame(kind presence.Kind, subjectID string) ([]byte, error) {
	var frameType FrameType
	switch kind {
	case presence.Connected:
		frameType = FrameConnect
	case presence.Disconnected:
		frameType = FrameDisconnect
	default:
		return nil, errors.Errorf("unknown presence kind %q", kind)
	}
	return encodeFrame(frameType, presencePayload{ID: subjectID})
}

// MessageFrame encodes a relayed chat message.
func MessageFrame(text, senderID string) ([]byte, error) {
	return encodeFrame(FrameMessage, messagePayload{Msg: text, SenderID: senderID})
}

func encodeFrame(frameType FrameType, payload any) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", frameType)
	}
	out, err := json.Marshal(Frame{Type: frameType, Data: string(inner)})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s frame", frameType)
	}
	return out, nil
}
