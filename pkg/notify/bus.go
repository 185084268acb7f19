package notify

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/chorus/pkg/conversation"
	"github.com/rs/zerolog/log"
)

// TopicConversation carries a JSON conversation.Update per store change.
const TopicConversation = "chorus.conversation"

// Bus fans store changes out to handlers over an in-process pubsub.
type Bus struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
}

type BusOption func(*Bus)

func WithLogger(logger watermill.LoggerAdapter) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithVerbose logs the pubsub internals through zerolog.
func WithVerbose(verbose bool) BusOption {
	return func(b *Bus) {
		if verbose {
			b.logger = NewZerologAdapter(log.Logger)
		}
	}
}

func NewBus(options ...BusOption) (*Bus, error) {
	ret := &Bus{
		logger: watermill.NopLogger{},
	}
	for _, o := range options {
		o(ret)
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = pubSub
	ret.Subscriber = pubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router
	return ret, nil
}

// AddHandler registers f for topic. Handlers must be added before Run.
func (b *Bus) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	b.router.AddNoPublisherHandler(name, topic, b.Subscriber, f)
}

func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bus) IsRunning() bool {
	return b.router.IsRunning()
}

func (b *Bus) Close() error {
	if err := b.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close pubsub")
	}
	if err := b.router.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close router")
	}
	return nil
}

// Attach publishes every change of store to TopicConversation.
func (b *Bus) Attach(store *conversation.Store) *StoreSink {
	s := NewStoreSink(b.Publisher, TopicConversation)
	store.AddListener(s)
	return s
}

// StoreSink is a conversation.Listener publishing updates as JSON messages.
type StoreSink struct {
	publisher message.Publisher
	topic     string
}

func NewStoreSink(publisher message.Publisher, topic string) *StoreSink {
	return &StoreSink{publisher: publisher, topic: topic}
}

func (s *StoreSink) OnUpdate(u conversation.Update) {
	payload, err := json.Marshal(u)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal conversation update")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", u.SessionID)
	msg.Metadata.Set("mutation", u.Mutation)
	if err := s.publisher.Publish(s.topic, msg); err != nil {
		log.Error().Err(err).Str("topic", s.topic).Msg("failed to publish conversation update")
		return
	}
	log.Trace().Str("topic", s.topic).Int64("version", u.Version).Str("mutation", u.Mutation).Msg("published conversation update")
}

var _ conversation.Listener = (*StoreSink)(nil)

// DecodeUpdate parses the payload published by a StoreSink.
func DecodeUpdate(msg *message.Message) (conversation.Update, error) {
	var u conversation.Update
	err := json.Unmarshal(msg.Payload, &u)
	return u, err
}
