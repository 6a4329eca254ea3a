package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewMessage(t *testing.T) {
	payload := CmdInputPayload{Data: "echo hi\n"}

	msg, err := NewMessage("chan3", "ref-1", TypeCmdInput, payload)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != TypeCmdInput {
		t.Errorf("expected type %s, got %s", TypeCmdInput, msg.Type)
	}
	if msg.Channel != "chan3" {
		t.Errorf("expected channel chan3, got %s", msg.Channel)
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var p CmdInputPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Data != "echo hi\n" {
		t.Errorf("expected data 'echo hi\\n', got %q", p.Data)
	}
}

func TestMessage_Decode(t *testing.T) {
	msg, err := NewMessage("chan1", "", TypeCmdOutput, CmdOutputPayload{Data: "out"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	var p CmdOutputPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Data != "out" {
		t.Errorf("expected data 'out', got %q", p.Data)
	}

	empty := &Message{Type: TypeOK}
	if err := empty.Decode(&p); err == nil {
		t.Error("expected error decoding a message without payload")
	}
}

func TestValidateServerMessage_ValidOpenAck(t *testing.T) {
	msg := map[string]interface{}{
		"type":      TypeChannelOpenAck,
		"ref":       "ref-1",
		"payload":   map[string]interface{}{"channelId": "chan3"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	result, err := ValidateServerMessage(data)
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
	if result.Type != TypeChannelOpenAck {
		t.Errorf("expected type %s, got %s", TypeChannelOpenAck, result.Type)
	}
}

func TestValidateServerMessage_OpenAckWithError(t *testing.T) {
	msg := map[string]interface{}{
		"type":      TypeChannelOpenAck,
		"ref":       "ref-1",
		"payload":   map[string]interface{}{"error": "service unavailable"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	if _, err := ValidateServerMessage(data); err != nil {
		t.Fatalf("expected valid rejection ack, got error: %v", err)
	}
}

func TestValidateServerMessage_OpenAckMissingRef(t *testing.T) {
	msg := map[string]interface{}{
		"type":      TypeChannelOpenAck,
		"payload":   map[string]interface{}{"channelId": "chan3"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	if _, err := ValidateServerMessage(data); err == nil {
		t.Fatal("expected error for missing ref")
	}
}

func TestValidateServerMessage_OpenAckEmptyPayload(t *testing.T) {
	msg := map[string]interface{}{
		"type":      TypeChannelOpenAck,
		"ref":       "ref-1",
		"payload":   map[string]interface{}{},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	if _, err := ValidateServerMessage(data); err == nil {
		t.Fatal("expected error for ack with neither channelId nor error")
	}
}

func TestValidateServerMessage_ValidCmdOutput(t *testing.T) {
	msg := map[string]interface{}{
		"type":      TypeCmdOutput,
		"channel":   "chan3",
		"payload":   map[string]interface{}{"data": "hi\r\n"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	if _, err := ValidateServerMessage(data); err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
}

func TestValidateServerMessage_CmdOutputMissingChannel(t *testing.T) {
	msg := map[string]interface{}{
		"type":      TypeCmdOutput,
		"payload":   map[string]interface{}{"data": "hi"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	if _, err := ValidateServerMessage(data); err == nil {
		t.Fatal("expected error for missing channel")
	}
}

func TestValidateServerMessage_CmdStateMissingPayload(t *testing.T) {
	data := []byte(`{"type":"cmd.state","channel":"chan3","timestamp":"2024-01-01T00:00:00.000Z"}`)

	if _, err := ValidateServerMessage(data); err == nil {
		t.Fatal("expected error for missing payload")
	}
}

func TestValidateServerMessage_InvalidJSON(t *testing.T) {
	if _, err := ValidateServerMessage([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidateServerMessage_MissingType(t *testing.T) {
	msg := map[string]interface{}{
		"payload":   map[string]interface{}{},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	if _, err := ValidateServerMessage(data); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestValidateServerMessage_UnknownType(t *testing.T) {
	msg := map[string]interface{}{
		"type":      "cmd.reboot",
		"payload":   map[string]interface{}{},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	if _, err := ValidateServerMessage(data); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestValidateServerMessage_ClientTypeRejected(t *testing.T) {
	msg := map[string]interface{}{
		"type":      TypeCmdInput,
		"channel":   "chan3",
		"payload":   map[string]interface{}{"data": "ls\n"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	if _, err := ValidateServerMessage(data); err == nil {
		t.Fatal("expected client-originated type to be rejected")
	}
}

func TestValidateServerMessage_ErrorMissingMessage(t *testing.T) {
	msg := map[string]interface{}{
		"type":      TypeError,
		"payload":   map[string]interface{}{"code": ErrRequestFailed},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	if _, err := ValidateServerMessage(data); err == nil {
		t.Fatal("expected error for missing message field")
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage("chan3", "ref-1", ErrNotFound, "no such file")
	if err != nil {
		t.Fatalf("NewErrorMessage failed: %v", err)
	}
	if msg.Type != TypeError {
		t.Errorf("expected type %s, got %s", TypeError, msg.Type)
	}
	if msg.Ref != "ref-1" {
		t.Errorf("expected ref 'ref-1', got %s", msg.Ref)
	}

	var p ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != ErrNotFound {
		t.Errorf("expected code %s, got %s", ErrNotFound, p.Code)
	}
}
