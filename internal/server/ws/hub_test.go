package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legionfi/salescore/internal/domain"
)

// replayBus is an in-memory bus with per-channel history streams.
type replayBus struct {
	history   map[string][]domain.StreamMessage
	gotLastID string
	gotCount  int
}

func (b *replayBus) Publish(ctx context.Context, channel string, payload []byte) error { return nil }

func (b *replayBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *replayBus) History(ctx context.Context, channel, lastID string, count int) ([]domain.StreamMessage, error) {
	b.gotLastID = lastID
	b.gotCount = count
	return b.history[channel], nil
}

// liveOnlyBus keeps no history at all.
type liveOnlyBus struct{}

func (liveOnlyBus) Publish(ctx context.Context, channel string, payload []byte) error { return nil }

func (liveOnlyBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func newTestClient(bus domain.EventBus) *client {
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &client{
		hub:  hub,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
}

func TestReplayServesHistory(t *testing.T) {
	bus := &replayBus{history: map[string][]domain.StreamMessage{
		domain.ChannelSales: {
			{ID: "1-0", Payload: []byte(`{"event":"sale_created","sale_id":"sale-1"}`)},
			{ID: "2-0", Payload: []byte(`{"event":"sale_ended","sale_id":"sale-1"}`)},
		},
	}}
	c := newTestClient(bus)

	c.handleSubscription(subscribeMsg{
		Action:   "replay",
		Channels: []string{domain.ChannelSales},
		LastID:   "0",
		Count:    10,
	})

	require.Len(t, c.send, 2)
	assert.Equal(t, "0", bus.gotLastID)
	assert.Equal(t, 10, bus.gotCount)

	var env struct {
		Type    string          `json:"type"`
		Channel string          `json:"channel"`
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(<-c.send, &env))
	assert.Equal(t, "replay", env.Type)
	assert.Equal(t, domain.ChannelSales, env.Channel)
	assert.Equal(t, "1-0", env.ID)
	assert.JSONEq(t, `{"event":"sale_created","sale_id":"sale-1"}`, string(env.Payload))
}

func TestReplayDefaults(t *testing.T) {
	bus := &replayBus{history: map[string][]domain.StreamMessage{}}
	c := newTestClient(bus)

	// No channels, id or count: every default channel is read from the start
	// with the default page size.
	c.serveReplay(subscribeMsg{Action: "replay"})

	assert.Equal(t, "0", bus.gotLastID)
	assert.Equal(t, defaultReplayCount, bus.gotCount)
	assert.Empty(t, c.send)
}

func TestReplayCountCapped(t *testing.T) {
	bus := &replayBus{history: map[string][]domain.StreamMessage{}}
	c := newTestClient(bus)

	c.serveReplay(subscribeMsg{Action: "replay", Count: maxReplayCount + 1})
	assert.Equal(t, defaultReplayCount, bus.gotCount)
}

func TestReplayWithoutHistorySupport(t *testing.T) {
	c := newTestClient(liveOnlyBus{})
	c.serveReplay(subscribeMsg{Action: "replay", Channels: []string{domain.ChannelSales}})
	assert.Empty(t, c.send)
}

func TestHandleSubscription(t *testing.T) {
	c := newTestClient(liveOnlyBus{})

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{domain.ChannelSales}})
	assert.True(t, c.isSubscribed(domain.ChannelSales))
	assert.False(t, c.isSubscribed(domain.ChannelPositions))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelSales}})
	assert.False(t, c.isSubscribed(domain.ChannelSales))
}
