package events

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/pkg/errors"
)

const TypeServiceTransition = "service.transition"

// Metadata keys set on every message so consumers can filter without
// decoding the payload.
const (
	MetadataType    = "type"
	MetadataService = "service"
)

// Envelope is the JSON body of every message on TopicServiceEvents.
type Envelope struct {
	Type    string          `json:"type"`
	Service string          `json:"service"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

func encodeTransition(t service.Transition) (*message.Message, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "marshal transition")
	}
	body, err := json.Marshal(Envelope{
		Type:    TypeServiceTransition,
		Service: t.Service,
		At:      t.At,
		Payload: payload,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set(MetadataType, TypeServiceTransition)
	msg.Metadata.Set(MetadataService, t.Service)
	return msg, nil
}

// decodeTransition reports ok=false for envelopes of other types.
func decodeTransition(msg *message.Message) (service.Transition, bool, error) {
	if typ := msg.Metadata.Get(MetadataType); typ != "" && typ != TypeServiceTransition {
		return service.Transition{}, false, nil
	}
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return service.Transition{}, false, errors.Wrap(err, "unmarshal envelope")
	}
	if env.Type != TypeServiceTransition {
		return service.Transition{}, false, nil
	}
	var t service.Transition
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		return service.Transition{}, false, errors.Wrap(err, "unmarshal transition")
	}
	return t, true, nil
}
