package protocol

import (
	"encoding/json"
	"fmt"
)

// validServerTypes is the set of allowed server→client message types.
var validServerTypes = map[string]bool{
	TypeChannelOpenAck:  true,
	TypeCmdOutput:       true,
	TypeCmdHint:         true,
	TypeCmdState:        true,
	TypeFileContent:     true,
	TypeFileInfo:        true,
	TypeFileEntries:     true,
	TypeOK:              true,
	TypePackageResult:   true,
	TypePackageManifest: true,
	TypeSnapshotResult:  true,
	TypeError:           true,
}

// ValidateServerMessage validates a raw JSON frame from the workspace.
// Returns the parsed Message and any validation error.
func ValidateServerMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validServerTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeChannelOpenAck:
		if msg.Ref == "" {
			return nil, fmt.Errorf("missing 'ref' field on %s", msg.Type)
		}
		var p ChannelOpenAckPayload
		if err := decodeRequired(&msg, &p); err != nil {
			return nil, err
		}
		if p.ChannelID == "" && p.Error == "" {
			return nil, fmt.Errorf("%s payload carries neither 'channelId' nor 'error'", msg.Type)
		}

	case TypeCmdOutput, TypeCmdHint, TypeCmdState:
		if msg.Channel == "" {
			return nil, fmt.Errorf("missing 'channel' field on %s", msg.Type)
		}
		if msg.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field on %s", msg.Type)
		}

	case TypeError:
		var p ErrorPayload
		if err := decodeRequired(&msg, &p); err != nil {
			return nil, err
		}
		if p.Message == "" {
			return nil, fmt.Errorf("missing required field 'message' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

func decodeRequired(msg *Message, v interface{}) error {
	if msg.Payload == nil {
		return fmt.Errorf("missing 'payload' field on %s", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

// NewErrorMessage creates an error frame, used by tests and fakes that
// simulate the remote side.
func NewErrorMessage(channel, ref, code, message string) (*Message, error) {
	return NewMessage(channel, ref, TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
