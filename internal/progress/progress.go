package progress

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Event is one best-effort progress message addressed to a live connection.
type Event struct {
	ClientID string          `json:"client_id"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// Publisher emits progress events from worker processes. Emission is fire and
// forget: if nobody is listening the event is dropped, never persisted or
// retried. The authoritative outcome always travels through the webhook
// ledger instead.
type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(client *redis.Client, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

// Emit publishes an event for clientID. Failures are logged and swallowed.
func (p *Publisher) Emit(ctx context.Context, clientID, event string, data any) {
	if clientID == "" {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("progress payload not serializable, dropping")
		return
	}
	msg, err := json.Marshal(Event{ClientID: clientID, Event: event, Data: raw})
	if err != nil {
		return
	}
	if err := p.client.Publish(ctx, p.channel, msg).Err(); err != nil {
		log.Debug().Err(err).Str("client_id", clientID).Str("event", event).Msg("progress publish failed, dropping")
	}
}

// Hub runs in the API process. It subscribes to the progress channel and fans
// events out to the matching live connection, dropping anything addressed to
// a connection that has gone away or fallen behind.
type Hub struct {
	client  *redis.Client
	channel string

	mu    sync.RWMutex
	conns map[string]chan Event
}

func NewHub(client *redis.Client, channel string) *Hub {
	return &Hub{
		client:  client,
		channel: channel,
		conns:   make(map[string]chan Event),
	}
}

// Run consumes the pub/sub channel until context cancellation.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.client.Subscribe(ctx, h.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Msg("malformed progress event, dropping")
				continue
			}
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev Event) {
	h.mu.RLock()
	conn, ok := h.conns[ev.ClientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case conn <- ev:
	default:
		// Slow consumer; progress is best-effort.
	}
}

// Subscribe registers a live connection and returns its event channel plus a
// cancel func. A second subscription under the same ID replaces the first.
func (h *Hub) Subscribe(clientID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.conns[clientID] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if h.conns[clientID] == ch {
			delete(h.conns, clientID)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}
