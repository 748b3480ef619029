package websocket

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/preetsinghmakkar/CounselCall/internal/dtos"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// outboundMessage is the S→C envelope; payload is marshalled in place.
type outboundMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// EncodeMessage converts an event to its wire form.
func EncodeMessage(messageType string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal(outboundMessage{Type: messageType, Payload: payload})
}

// DecodeMessage parses the envelope of an inbound message.
func DecodeMessage(data []byte) (dtos.WebSocketMessage, error) {
	var msg dtos.WebSocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}
	return msg, nil
}

// decodePayload unmarshals and validates a request payload.
func decodePayload(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
