package session

import (
	"encoding/json"
	"time"
)

// Frame types exchanged with device agents.
const (
	TypeCommand               = "command"
	TypeResult                = "result"
	TypeError                 = "error"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeStatusUpdate          = "status_update"
	TypeConnectionEstablished = "connection_established"
	TypeDataTransfer          = "data_transfer"
	TypeTransferComplete      = "transfer_complete"
)

// BannerMessage is sent in the connection_established frame.
const BannerMessage = "RT809F Bridge Connected"

// Frame is one JSON text message on the device WebSocket.
type Frame struct {
	Type      string          `json:"type,omitempty"`
	JobID     string          `json:"jobID,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Status    string          `json:"status,omitempty"`
	DeviceID  string          `json:"deviceID,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`

	// Set on data_transfer and its transfer_complete acknowledgement.
	TransferID string `json:"transfer_id,omitempty"`
	Success    *bool  `json:"success,omitempty"`
}

// Kind returns the effective frame type. A frame carrying a job ID but no
// type is a result.
func (f Frame) Kind() string {
	if f.Type == "" && f.JobID != "" {
		return TypeResult
	}
	return f.Type
}

// ErrorMessage returns the device-reported error text.
func (f Frame) ErrorMessage() string {
	if f.Error != "" {
		return f.Error
	}
	return f.Message
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
