package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/vld1-bridge/internal/radar"
)

func newLink(sim *radar.Simulator) (*radarLink, *int) {
	ups := 0
	return &radarLink{
		transport: sim,
		engine: radar.NewEngine(sim, radar.Config{
			LockTimeout:     time.Second,
			ResponseTimeout: 20 * time.Millisecond,
		}),
		initBaud: 115200,
		portBaud: 115200,
		onUp:     func() { ups++ },
	}, &ups
}

func TestRadarLinkSession(t *testing.T) {
	sim := radar.NewSimulator()
	link, ups := newLink(sim)

	require.NoError(t, link.Connect())
	assert.True(t, sim.InSession())
	assert.Equal(t, 1, *ups)
	assert.Equal(t, "V-LD1_APP-RFB-YYX", link.engine.Version())

	require.NoError(t, link.Close())
	assert.False(t, sim.InSession())
}

func TestRadarLinkInitRejected(t *testing.T) {
	sim := radar.NewSimulator()
	sim.Respond = func(cmd radar.Frame) ([]byte, bool) {
		b, _ := radar.EncodePacket(radar.TagResp, []byte{byte(radar.CodeAppCorrupt)})
		return b, true
	}
	link, ups := newLink(sim)

	err := link.Connect()
	var se *radar.SensorError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, radar.CodeAppCorrupt, se.Code)
	assert.Zero(t, *ups)
}

type flaky struct {
	fails    int
	attempts int
}

func (f *flaky) Connect() error {
	f.attempts++
	if f.attempts <= f.fails {
		return errors.New("port busy")
	}
	return nil
}

func (f *flaky) Close() error { return nil }

func TestConnectWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &flaky{fails: 1000}

	done := make(chan struct{})
	go func() {
		connectWithRetry(ctx, "test", f, 3)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connectWithRetry ignored cancellation")
	}
	assert.Equal(t, 1, f.attempts)
}

func TestConnectWithRetryFirstTry(t *testing.T) {
	f := &flaky{}
	connectWithRetry(context.Background(), "test", f, 3)
	assert.Equal(t, 1, f.attempts)
}
