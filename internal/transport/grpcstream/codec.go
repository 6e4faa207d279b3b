package grpcstream

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/spirit/internal/transport"
)

// EncodeEvent converts an input event to its wire struct. stamp is used for
// tracked events, which carry none of their own.
func EncodeEvent(ev transport.Event, stamp time.Time) (*structpb.Struct, error) {
	return toStruct(transport.RecordOf(ev, stamp))
}

// DecodeEvent converts a wire struct to an input event.
func DecodeEvent(s *structpb.Struct) (transport.Event, error) {
	b, err := protojson.Marshal(s)
	if err != nil {
		return transport.Event{}, fmt.Errorf("failed to marshal struct: %w", err)
	}
	ev, _, err := transport.ParseRecord(b)
	return ev, err
}

// EncodeMessage converts an outbound message to its wire struct.
func EncodeMessage(m transport.Message, withImage bool) (*structpb.Struct, error) {
	return toStruct(m.View(withImage))
}

// DecodeView converts a wire struct back to a message view.
func DecodeView(s *structpb.Struct) (transport.View, error) {
	var v transport.View
	b, err := protojson.Marshal(s)
	if err != nil {
		return v, fmt.Errorf("failed to marshal struct: %w", err)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("failed to decode view: %w", err)
	}
	return v, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	return s, nil
}
