// Package wire defines the JSON frames exchanged between the WebSocket
// transport and a relay server.
package wire

import "encoding/json"

// Frame types.
const (
	TypeAuth       = "auth"
	TypeAnonymous  = "anonymous"
	TypeMessage    = "message"
	TypePublish    = "publish"
	TypePriority   = "priority"
	TypeRegister   = "register"
	TypeUnregister = "unregister"
	TypeAck        = "ack"
	TypeError      = "error"
)

// Error frame codes.
const (
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeServerError  = 500
)

// Device describes a device registration.
type Device struct {
	ID            string `json:"id"`
	PushType      string `json:"push_type,omitempty"`
	PushToken     string `json:"push_token,omitempty"`
	OS            string `json:"os,omitempty"`
	OSVersion     string `json:"os_version,omitempty"`
	Model         string `json:"model,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	ProtocolMajor int    `json:"protocol_major"`
	ProtocolMinor int    `json:"protocol_minor"`
}

// Frame is one JSON text message. Requests carry a non-zero Seq which the
// server echoes in its ack or error reply.
type Frame struct {
	Type        string            `json:"type"`
	Seq         uint64            `json:"seq,omitempty"`
	ID          string            `json:"id,omitempty"`
	Username    string            `json:"username,omitempty"`
	Credential  []byte            `json:"credential,omitempty"`
	DeviceID    string            `json:"device_id,omitempty"`
	AuthMode    int               `json:"auth_mode,omitempty"`
	Suspend     bool              `json:"suspend,omitempty"`
	Destination []string          `json:"destination,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Data        []byte            `json:"data,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Receipt     bool              `json:"receipt,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Device      *Device           `json:"device,omitempty"`
	Code        int               `json:"code,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// Ack returns the acknowledgement for request seq.
func Ack(seq uint64) Frame {
	return Frame{Type: TypeAck, Seq: seq}
}

// Error returns an error reply for request seq.
func Error(seq uint64, code int, reason string) Frame {
	return Frame{Type: TypeError, Seq: seq, Code: code, Reason: reason}
}

// IsRequest reports whether the frame expects a reply.
func (frame Frame) IsRequest() bool {
	return frame.Type != TypeAck && frame.Type != TypeError
}

// Decode parses one frame.
func Decode(data []byte) (Frame, error) {
	var frame Frame
	err := json.Unmarshal(data, &frame)
	return frame, err
}
