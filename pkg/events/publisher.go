package events

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/rs/zerolog/log"
)

// Publisher is a service.Observer that publishes every transition on
// TopicServiceEvents. Publish failures are logged, never returned to the
// controller.
type Publisher struct {
	pub message.Publisher
}

func (p *Publisher) ServiceTransition(t service.Transition) {
	if err := p.Publish(t); err != nil {
		log.Warn().Err(err).Str("service", t.Service).Str("to", string(t.To)).Msg("failed to publish transition")
	}
}

func (p *Publisher) Publish(t service.Transition) error {
	msg, err := encodeTransition(t)
	if err != nil {
		return err
	}
	return p.pub.Publish(TopicServiceEvents, msg)
}
