package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/compozy/deepresearch/engine/orchestrator"
	"github.com/compozy/deepresearch/pkg/logger"
	goredis "github.com/redis/go-redis/v9"
)

const eventBuffer = 64

// ErrSubscriptionClosed reports a subscription that ended before the
// session finished.
var ErrSubscriptionClosed = errors.New("event subscription closed before the session finished")

// EventPublisher fans the progress events of a session out on a Redis
// channel so other processes can watch it.
type EventPublisher struct {
	client *Client
}

func NewEventPublisher(client *Client) *EventPublisher {
	return &EventPublisher{client: client}
}

func (c *Client) eventChannel(sessionID string) string {
	return c.key("events", sessionID)
}

func (p *EventPublisher) Publish(ctx context.Context, ev orchestrator.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode progress event: %w", err)
	}
	if err := p.client.rdb.Publish(ctx, p.client.eventChannel(ev.SessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}
	return nil
}

// Subscribe starts receiving the events of sessionID. The subscription ends
// after the event carrying the result, when ctx is done or on Close.
func (p *EventPublisher) Subscribe(ctx context.Context, sessionID string) (*EventSubscription, error) {
	var ps *goredis.PubSub
	switch rdb := p.client.rdb.(type) {
	case *goredis.Client:
		ps = rdb.Subscribe(ctx, p.client.eventChannel(sessionID))
	case *goredis.ClusterClient:
		ps = rdb.Subscribe(ctx, p.client.eventChannel(sessionID))
	default:
		return nil, errors.New("redis client does not support subscriptions")
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to session %s: %w", sessionID, err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &EventSubscription{
		pubsub: ps,
		cancel: cancel,
		events: make(chan orchestrator.ProgressEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	go sub.pump(subCtx, ps.Channel())
	return sub, nil
}

type EventSubscription struct {
	pubsub *goredis.PubSub
	cancel context.CancelFunc
	events chan orchestrator.ProgressEvent
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func (s *EventSubscription) pump(ctx context.Context, messages <-chan *goredis.Message) {
	defer close(s.done)
	defer close(s.events)
	log := logger.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case msg, ok := <-messages:
			if !ok {
				s.setErr(ErrSubscriptionClosed)
				return
			}
			if msg == nil {
				continue
			}
			var ev orchestrator.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn("Dropping malformed progress event", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
			if ev.Result != nil {
				return
			}
		}
	}
}

func (s *EventSubscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Events closes after the final event of the session.
func (s *EventSubscription) Events() <-chan orchestrator.ProgressEvent {
	return s.events
}

func (s *EventSubscription) Done() <-chan struct{} {
	return s.done
}

// Err is nil when the subscription ended on the final event.
func (s *EventSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close is safe to call more than once.
func (s *EventSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}
