// Package events carries service transitions over an in-memory watermill
// pub/sub so several consumers (metrics, logging, status views) can follow
// a run without coupling to the controllers.
package events

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const TopicServiceEvents = "svcctl.events"

// Bus owns the pub/sub and the router consuming it. Handlers are added
// before Run; publishing works at any time after NewBus.
type Bus struct {
	pubsub *gochannel.GoChannel
	router *message.Router

	runOnce   sync.Once
	closeOnce sync.Once
}

func NewBus() (*Bus, error) {
	logger := newZerologAdapter()
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1024}, logger)

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new watermill router")
	}
	// A panicking consumer must not take the supervisor down.
	router.AddMiddleware(middleware.Recoverer)

	return &Bus{pubsub: pubsub, router: router}, nil
}

// Publisher returns an observer that publishes transitions on this bus.
func (b *Bus) Publisher() *Publisher {
	return &Publisher{pub: b.pubsub}
}

// OnTransition delivers every transition published on the bus to fn.
// Envelopes of other types are skipped; malformed ones are logged and
// dropped rather than redelivered.
func (b *Bus) OnTransition(name string, fn func(service.Transition)) {
	b.router.AddConsumerHandler(name, TopicServiceEvents, b.pubsub, func(msg *message.Message) error {
		t, ok, err := decodeTransition(msg)
		if err != nil {
			log.Warn().Err(err).Str("handler", name).Str("message_uuid", msg.UUID).Msg("dropping malformed event")
			return nil
		}
		if ok {
			fn(t)
		}
		return nil
	})
}

// Run blocks until ctx is done or the router fails.
func (b *Bus) Run(ctx context.Context) error {
	err := errors.New("bus already running")
	b.runOnce.Do(func() {
		go func() {
			<-ctx.Done()
			_ = b.router.Close()
		}()
		err = b.router.Run(ctx)
	})
	return err
}

// Running is closed once the router consumes messages.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if cerr := b.router.Close(); cerr != nil {
			err = errors.Wrap(cerr, "close router")
			return
		}
		if cerr := b.pubsub.Close(); cerr != nil {
			err = errors.Wrap(cerr, "close pubsub")
		}
	})
	return err
}
