package channel

import (
	"errors"

	"google.golang.org/protobuf/types/known/structpb"
)

var ErrMissingType = errors.New("message has no type")

// Message is the decoded form of a channel frame.
type Message struct {
	Type     string
	ID       string
	Reason   string
	Metadata map[string]string
}

func (m Message) Struct() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"type": structpb.NewStringValue(m.Type),
	}
	if m.ID != "" {
		fields["id"] = structpb.NewStringValue(m.ID)
	}
	if m.Reason != "" {
		fields["reason"] = structpb.NewStringValue(m.Reason)
	}
	if len(m.Metadata) > 0 {
		meta := make(map[string]*structpb.Value, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = structpb.NewStringValue(v)
		}
		fields["metadata"] = structpb.NewStructValue(&structpb.Struct{Fields: meta})
	}
	return &structpb.Struct{Fields: fields}
}

// Decode reads a frame. Unknown fields are ignored and non-string metadata
// values are dropped.
func Decode(s *structpb.Struct) (Message, error) {
	var m Message
	if s == nil {
		return m, ErrMissingType
	}
	f := s.GetFields()
	m.Type = f["type"].GetStringValue()
	m.ID = f["id"].GetStringValue()
	m.Reason = f["reason"].GetStringValue()
	if meta := f["metadata"].GetStructValue(); meta != nil {
		m.Metadata = make(map[string]string, len(meta.GetFields()))
		for k, v := range meta.GetFields() {
			if sv, ok := v.GetKind().(*structpb.Value_StringValue); ok {
				m.Metadata[k] = sv.StringValue
			}
		}
	}
	if m.Type == "" {
		return m, ErrMissingType
	}
	return m, nil
}

func (m Message) Meta(key string) string {
	return m.Metadata[key]
}

func Hello(deviceID, token string) Message {
	return Message{Type: TypeHello, Metadata: map[string]string{
		MetaDeviceID:  deviceID,
		MetaAuthToken: token,
	}}
}

func HelloAck(sessionID string) Message {
	return Message{Type: TypeHelloAck, Metadata: map[string]string{MetaSessionID: sessionID}}
}

func Probe(id string) Message { return Message{Type: TypeProbe, ID: id} }

func ProbeAck(id string) Message { return Message{Type: TypeProbeAck, ID: id} }

func Disconnect(reason string) Message { return Message{Type: TypeDisconnect, Reason: reason} }

func Error(reason string) Message { return Message{Type: TypeError, Reason: reason} }
