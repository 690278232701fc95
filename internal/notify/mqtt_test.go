package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *doneToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.msgs = append(f.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &doneToken{err: f.err}
}

func connectedPublisher(f *fakePublisher) *Publisher {
	p := NewPublisher(Config{TopicPrefix: "site1", QoS: 1})
	p.pub = f
	p.connected = true
	return p
}

func TestPersistPublishesEachEvent(t *testing.T) {
	f := &fakePublisher{}
	p := connectedPublisher(f)
	cam := int64(3)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := types.NewConfirmedEvents([]types.Detection{
		{Label: "person", Confidence: 0.9},
		{Label: "car", Confidence: 0.8},
	}, &cam, nil, at)

	require.NoError(t, p.Persist(context.Background(), batch))
	require.Len(t, f.msgs, 2)
	assert.Equal(t, "site1/events/person", f.msgs[0].topic)
	assert.Equal(t, "site1/events/car", f.msgs[1].topic)
	assert.Equal(t, byte(1), f.msgs[0].qos)

	var ev types.ConfirmedEvent
	require.NoError(t, json.Unmarshal(f.msgs[0].payload, &ev))
	assert.Equal(t, "person", ev.Label)
	assert.Equal(t, int64(3), *ev.CameraID)

	connected, n, errs := p.Stats()
	assert.True(t, connected)
	assert.Equal(t, uint64(2), n)
	assert.Zero(t, errs)
}

func TestPersistNotConnected(t *testing.T) {
	p := NewPublisher(Config{})
	assert.Equal(t, "detections/events/fire", p.Topic("fire"))
	err := p.Persist(context.Background(), []types.ConfirmedEvent{{Label: "fire"}})
	assert.Error(t, err)
	_, _, errs := p.Stats()
	assert.Equal(t, uint64(1), errs)
}

func TestPersistPublishError(t *testing.T) {
	f := &fakePublisher{err: errors.New("broker says no")}
	p := connectedPublisher(f)
	err := p.Persist(context.Background(), []types.ConfirmedEvent{{Label: "a"}, {Label: "b"}})
	assert.ErrorContains(t, err, "broker says no")
	assert.Len(t, f.msgs, 1, "stops at the first failure")
}
