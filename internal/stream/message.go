// Package stream encodes per-frame messages and pushes them to clients.
//
// Two transports are provided: server-sent events over a held-open HTTP
// response, and a WebRTC data channel. Both refuse to buffer without bound;
// a consumer that cannot keep up is either dropped (data channel) or
// treated as gone (SSE write deadline).
package stream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

// ErrConsumerGone means the client disconnected or stopped reading.
var ErrConsumerGone = errors.New("consumer gone")

// Message is pushed once per processed frame.
type Message struct {
	Frame string `json:"frame"`
	// Detections are from the most recent inferred frame; frames between
	// inference ticks repeat them.
	Detections []types.LabelConfidence `json:"detections"`
}

// ErrorMessage is the single terminal message of a failed session.
type ErrorMessage struct {
	Error string `json:"error"`
}

// NewMessage builds a Message from an encoded JPEG and the detections drawn on it.
func NewMessage(jpegData []byte, dets []types.Detection) Message {
	lc := make([]types.LabelConfidence, 0, len(dets))
	for _, d := range dets {
		lc = append(lc, types.LabelConfidence{Label: d.Label, Confidence: d.Confidence})
	}
	return Message{
		Frame:      base64.StdEncoding.EncodeToString(jpegData),
		Detections: lc,
	}
}

// Format selects the payload encoding.
type Format int

const (
	FormatJSON Format = iota
	// FormatProtobuf is a base64 google.protobuf.Struct carrying the same
	// fields as the JSON form.
	FormatProtobuf
)

func (f Format) String() string {
	if f == FormatProtobuf {
		return "application/protobuf"
	}
	return "application/json"
}

// NegotiateFormat picks a Format from an Accept header.
func NegotiateFormat(accept string) Format {
	if strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf") {
		return FormatProtobuf
	}
	return FormatJSON
}

// Encode serializes v in format f.
func Encode(v any, f Format) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if f != FormatProtobuf {
		return data, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("message is not an object: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal error: %w", err)
	}
	return []byte(base64.StdEncoding.EncodeToString(pbData)), nil
}

// Emitter delivers encoded payloads to one client.
type Emitter interface {
	// Format is the encoding the client asked for.
	Format() Format
	// Emit sends one payload. Any error ends the session; ErrConsumerGone
	// means no further writes should be attempted.
	Emit(payload []byte) error
	Close() error
}
