package channel

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Frame types
const (
	FrameRegister = "register"
	FrameCall     = "call"
	FrameReply    = "reply"
	FrameImport   = "import"
)

// Frame is one newline-delimited JSON message on the socket
type Frame struct {
	Type    string            `json:"type"`
	ID      string            `json:"id,omitempty"`
	Name    string            `json:"name,omitempty"`
	Service string            `json:"service,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Sync    bool              `json:"sync,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// NewCallFrame builds a call frame with a fresh id
func NewCallFrame(service string, sync bool, args ...any) (Frame, error) {
	frame := Frame{
		Type:    FrameCall,
		ID:      uuid.NewString(),
		Service: service,
		Sync:    sync,
	}
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to encode argument %d for %s: %w", i, service, err)
		}
		frame.Args = append(frame.Args, raw)
	}
	return frame, nil
}

// Encode renders the frame as one line, newline included
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// frameType peeks at the type field without decoding the whole frame
func frameType(line []byte) string {
	return gjson.GetBytes(line, "type").String()
}

// DecodeFrame parses one line. Lines that are not JSON objects with a type
// are rejected.
func DecodeFrame(line []byte) (Frame, error) {
	if !gjson.ValidBytes(line) {
		return Frame{}, fmt.Errorf("invalid frame: not JSON")
	}
	if frameType(line) == "" {
		return Frame{}, fmt.Errorf("invalid frame: missing type")
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	return f, nil
}
