package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSBusPublish(t *testing.T) {
	pub := &fakePublisher{}
	bus := NewNATSBus(pub, "phaseforge.sessions.", zap.NewNop())

	e := New(TypeFileClosed, "sess.1 *")
	e.Path = "src/App.tsx"
	require.NoError(t, bus.Publish(context.Background(), e))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "phaseforge.sessions.sess_1__.file_closed", pub.subjects[0])

	var decoded Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, "src/App.tsx", decoded.Path)
	assert.Equal(t, TypeFileClosed, decoded.Type)
}

func TestNATSBusErrors(t *testing.T) {
	bus := NewNATSBus(&fakePublisher{err: errors.New("no responders")}, "", zap.NewNop())
	err := bus.Publish(context.Background(), New(TypeDeployed, "s"))
	assert.ErrorContains(t, err, "phaseforge.sessions.s.deployed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Publish(ctx, New(TypeDeployed, "s")), context.Canceled)
}

func TestMultiBus(t *testing.T) {
	var got []Type
	ok := BusFunc(func(_ context.Context, e Event) error {
		got = append(got, e.Type)
		return nil
	})
	broken := BusFunc(func(context.Context, Event) error { return errors.New("sink down") })

	err := MultiBus{broken, nil, ok, Nop}.Publish(context.Background(), New(TypePhaseStarted, "s"))
	assert.ErrorContains(t, err, "sink down")
	assert.Equal(t, []Type{TypePhaseStarted}, got)

	assert.NoError(t, MultiBus{}.Publish(context.Background(), New(TypePhaseStarted, "s")))
}
