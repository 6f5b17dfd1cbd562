package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
)

type fakeTransport struct {
	mu         sync.Mutex
	handlers   map[string]Handler
	published  map[string][][]byte
	publishErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: map[string]Handler{}, published: map[string][][]byte{}}
}

func (f *fakeTransport) Subscribe(topic string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return nil
}

func (f *fakeTransport) Publish(topic string, payload []byte, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeTransport) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	h(topic, []byte(payload))
}

func (f *fakeTransport) sent(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.published[topic] {
		out = append(out, string(p))
	}
	return out
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		field    string
		want     any
		severity channel.Severity
		wantErr  bool
	}{
		{name: "json number", payload: "12.5", want: 12.5},
		{name: "bare text", payload: " open \n", want: "open"},
		{name: "json string", payload: `"closed"`, want: "closed"},
		{name: "field", payload: `{"position": 3, "alarm_severity": 1}`, field: "position", want: 3.0, severity: channel.MinorAlarm},
		{name: "missing field", payload: `{"other": 3}`, field: "position", wantErr: true},
		{name: "field on non-object", payload: `[1,2]`, field: "position", wantErr: true},
		{name: "field on text", payload: `moving`, field: "position", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, sev, err := DecodePayload([]byte(tt.payload), tt.field)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.severity, sev)
		})
	}
}

func TestEncodePayload(t *testing.T) {
	b, err := EncodePayload(4.2, "position")
	require.NoError(t, err)
	assert.JSONEq(t, `{"position": 4.2}`, string(b))

	b, err = EncodePayload(1, "")
	require.NoError(t, err)
	assert.Equal(t, "1", string(b))
}

func TestTopicChannelReadings(t *testing.T) {
	tr := newFakeTransport()
	clock := clockz.NewFakeClock()
	ch, err := NewTopicChannel(TopicConfig{Name: "shutter", StateTopic: "bl/shutter/state"}, tr, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, ch.Start())
	assert.Equal(t, "mqtt://bl/shutter/state", ch.Source())

	ctx := context.Background()
	_, err = ch.GetReading(ctx)
	assert.ErrorIs(t, err, channel.ErrNoValue)

	var got []channel.Reading
	ch.Subscribe(func(rd channel.Reading) { got = append(got, rd) })

	tr.deliver("bl/shutter/state", "1")
	tr.deliver("bl/shutter/state", "not json {")

	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Value)
	assert.Equal(t, clock.Now(), got[0].Timestamp)

	v, err := ch.GetValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestTopicChannelSet(t *testing.T) {
	tr := newFakeTransport()
	ch, err := NewTopicChannel(TopicConfig{
		Name:         "gap",
		StateTopic:   "bl/gap/state",
		CommandTopic: "bl/gap/set",
		Field:        "value",
	}, tr)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ch.Set(ctx, 8.5, true, time.Second).Wait(ctx))
	require.NoError(t, ch.Trigger(ctx, true, time.Second).Wait(ctx))
	assert.Equal(t, []string{`{"value":8.5}`, `{"value":1}`}, tr.sent("bl/gap/set"))

	tr.publishErr = errors.New("broker gone")
	err = ch.Set(ctx, 9.0, true, time.Second).Wait(ctx)
	assert.ErrorContains(t, err, "broker gone")
}

func TestTopicChannelReadOnly(t *testing.T) {
	ch, err := NewTopicChannel(TopicConfig{Name: "temp", StateTopic: "bl/temp"}, newFakeTransport())
	require.NoError(t, err)

	err = ch.Set(context.Background(), 1, true, time.Second).Wait(context.Background())
	assert.ErrorIs(t, err, channel.ErrReadOnly)

	_, err = NewTopicChannel(TopicConfig{Name: "x"}, newFakeTransport())
	assert.Error(t, err)
}
