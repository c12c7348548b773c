package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-project/overseer/internal/config"
	"github.com/overseer-project/overseer/internal/events"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	sent      []published
}

func (p *fakePublisher) IsConnected() bool { return p.connected }

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{err: p.err}
}

type namedOwner struct{ id string }

func (o namedOwner) ID() string                                        { return o.id }
func (o namedOwner) Name() string                                      { return o.id }
func (o namedOwner) Roster() []events.Client                           { return nil }
func (o namedOwner) Execute(context.Context, string) (string, error)   { return "", nil }
func (o namedOwner) Say(context.Context, string) error                 { return nil }
func (o namedOwner) Tell(context.Context, events.Client, string) error { return nil }
func (o namedOwner) Kick(context.Context, events.Client, string) error { return nil }

func newTestHandler(pub publisher) *MQTTHandler {
	return &MQTTHandler{
		pub:      pub,
		prefix:   "overseer",
		metadata: map[string]any{"hostname": "box"},
		logger:   zerolog.Nop(),
	}
}

func TestPublishesEventRecord(t *testing.T) {
	pub := &fakePublisher{connected: true}
	h := newTestHandler(pub)

	e := events.New(events.KindChat, namedOwner{id: "main"}, &events.Client{ClientNum: 2, Name: "Alice"}, "gg")
	require.NoError(t, h.OnEvent(context.Background(), e))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "overseer/main/events", pub.sent[0].topic)
	assert.Equal(t, byte(1), pub.sent[0].qos)

	var msg struct {
		Hostname  string         `json:"hostname"`
		Timestamp string         `json:"timestamp"`
		Payload   map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(pub.sent[0].payload, &msg))
	assert.Equal(t, "box", msg.Hostname)
	assert.NotEmpty(t, msg.Timestamp)
	assert.Equal(t, "chat", msg.Payload["kind"])
	assert.Equal(t, "main", msg.Payload["server"])
	assert.Equal(t, "gg", msg.Payload["data"])
	assert.Equal(t, e.ID.String(), msg.Payload["id"])
}

func TestUnownedEventsGoToSystemTopic(t *testing.T) {
	pub := &fakePublisher{connected: true}
	h := newTestHandler(pub)

	require.NoError(t, h.OnEvent(context.Background(), events.New(events.KindCommand, nil, nil, "status")))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "overseer/system/events", pub.sent[0].topic)
}

func TestDisconnectedBrokerDropsEvents(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(pub)

	require.NoError(t, h.OnEvent(context.Background(), events.New(events.KindChat, nil, nil, "hi")))
	assert.Empty(t, pub.sent)
}

func TestPublishErrorSurfaces(t *testing.T) {
	pub := &fakePublisher{connected: true, err: errors.New("not authorized")}
	h := newTestHandler(pub)

	err := h.OnEvent(context.Background(), events.New(events.KindChat, nil, nil, "hi"))
	assert.ErrorContains(t, err, "not authorized")
}

func TestDisabledConfig(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{}, "1.0.0")
	assert.ErrorIs(t, err, ErrDisabled)
}
