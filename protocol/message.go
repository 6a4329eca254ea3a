package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// RootChannel is the implicit control channel registered on connect.
// Channel opens and session-level requests travel on it.
const RootChannel = "chan0"

// Message is the envelope for all frames exchanged with the workspace.
// Channel routes the frame to a logical channel; Ref correlates a
// request with its response.
type Message struct {
	Channel   string          `json:"channel,omitempty"`
	Ref       string          `json:"ref,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a client-originated message with the current timestamp.
func NewMessage(channel, ref, msgType string, payload interface{}) (*Message, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		data = b
	}
	return &Message{
		Channel:   channel,
		Ref:       ref,
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// MarshalFrame serializes the message for the wire.
func (m *Message) MarshalFrame() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", m.Type, err)
	}
	return data, nil
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v interface{}) error {
	if m.Payload == nil {
		return fmt.Errorf("message %s has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Client → Server message types.
const (
	TypeChannelOpen = "channel.open"

	TypeCmdClear   = "cmd.clear"
	TypeCmdRunMain = "cmd.runMain"
	TypeCmdInput   = "cmd.input"

	TypeFileRead   = "file.read"
	TypeFileWrite  = "file.write"
	TypeFileMove   = "file.move"
	TypeFileRemove = "file.remove"
	TypeFileMkdir  = "file.mkdir"
	TypeFileStat   = "file.stat"
	TypeFileList   = "file.list"

	TypePackageAdd    = "package.add"
	TypePackageRemove = "package.remove"
	TypePackageList   = "package.list"

	TypeSnapshotPersist = "snapshot.persist"
)

// Server → Client message types.
const (
	TypeChannelOpenAck = "channel.openAck"

	TypeCmdOutput = "cmd.output"
	TypeCmdHint   = "cmd.hint"
	TypeCmdState  = "cmd.state"

	TypeFileContent = "file.content"
	TypeFileInfo    = "file.info"
	TypeFileEntries = "file.entries"
	TypeOK          = "ok"

	TypePackageResult   = "package.result"
	TypePackageManifest = "package.manifest"

	TypeSnapshotResult = "snapshot.result"

	TypeError = "error"
)

// Error codes carried by error payloads.
const (
	ErrChannelRejected = "CHANNEL_REJECTED"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrNotFound        = "NOT_FOUND"
	ErrRequestFailed   = "REQUEST_FAILED"
)

// Client → Server payloads.

type ChannelOpenPayload struct {
	Service string `json:"service"`
	Name    string `json:"name"`
}

type CmdInputPayload struct {
	Data string `json:"data"`
}

type FilePathPayload struct {
	Path string `json:"path"`
}

type FileWritePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type FileMovePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type PackagesPayload struct {
	Packages []string `json:"packages"`
}

// Server → Client payloads.

type ChannelOpenAckPayload struct {
	ChannelID string `json:"channelId"`
	Error     string `json:"error,omitempty"`
}

type CmdOutputPayload struct {
	Data string `json:"data"`
}

type CmdHintPayload struct {
	Text string `json:"text"`
}

// CmdStatePayload signals that the remote process exited. Session
// scopes the signal to a sub-session when the runner multiplexes
// several programs on one channel; zero means the channel's main one.
type CmdStatePayload struct {
	Exited  bool `json:"exited"`
	OK      bool `json:"ok"`
	Session int  `json:"session,omitempty"`
}

type FileContentPayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type FileInfoPayload struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"isDir"`
	ModTime string `json:"modTime,omitempty"`
}

type FileEntriesPayload struct {
	Path    string     `json:"path"`
	Entries []FileInfo `json:"entries"`
}

// FileInfo describes one directory entry in a listing.
type FileInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

type PackageResultPayload struct {
	Added   int `json:"added,omitempty"`
	Removed int `json:"removed,omitempty"`
}

type PackageManifestPayload struct {
	Packages []string `json:"packages"`
}

type SnapshotResultPayload struct {
	Persisted bool `json:"persisted"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
