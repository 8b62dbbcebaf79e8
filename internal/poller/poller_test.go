package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evobot-data/armlink/internal/bus"
	"github.com/evobot-data/armlink/internal/protocol"
	"github.com/evobot-data/armlink/internal/seriallink"
	"github.com/evobot-data/armlink/internal/testutil"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (f *fakeSender) Send(payload []byte, class seriallink.Class) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if class != seriallink.ClassQuery {
		panic("poller sent non-query traffic")
	}
	f.payloads = append(f.payloads, payload)
	return f.err
}

func (f *fakeSender) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.payloads))
	copy(out, f.payloads)
	return out
}

// statusFrame builds a decoded arm status frame the way the read loop would
// hand it to subscribers.
func statusFrame(t *testing.T) *protocol.Frame {
	t.Helper()
	payload := make([]byte, 0, 26)
	for i := 0; i < 4; i++ {
		payload = append(payload, 0x05, 0xDC, 0x00, 0x10, 0x00, 0x64)
	}
	payload = append(payload, 0x00, 0xC8)

	dec := protocol.NewDecoder()
	frames := dec.Feed(protocol.Encode(protocol.TypeArmStatus, protocol.AxisNone, payload))
	require.Len(t, frames, 1)
	return frames[0]
}

func TestRoundRobinQueries(t *testing.T) {
	sender := &fakeSender{}
	b := bus.New()
	defer b.Close()

	p := New(sender, b, 5*time.Millisecond, nil)
	p.Start(context.Background())
	defer p.Stop()

	testutil.WaitFor(t, time.Second, "four poll cycles", func() bool {
		return len(sender.sent()) >= 4
	})
	p.Stop()

	want := []protocol.Axis{protocol.AxisArm, protocol.AxisWrist}
	for i, payload := range sender.sent()[:4] {
		dec := protocol.NewDecoder()
		frames := dec.Feed(payload)
		require.Len(t, frames, 1, "query %d did not decode", i)
		assert.Equal(t, protocol.TypeQuery, frames[0].Type)
		assert.Equal(t, want[i%2], frames[0].Axis, "query %d polled the wrong axis", i)
	}
}

func TestSendFailureKeepsPolling(t *testing.T) {
	sender := &fakeSender{err: seriallink.ErrNotConnected}
	b := bus.New()
	defer b.Close()

	p := New(sender, b, 5*time.Millisecond, nil)
	p.Start(context.Background())
	defer p.Stop()

	testutil.WaitFor(t, time.Second, "polling to continue past failures", func() bool {
		return len(sender.sent()) >= 3
	})
}

func TestStatusAggregation(t *testing.T) {
	sender := &fakeSender{}
	b := bus.New()
	defer b.Close()

	// A long interval keeps the ticker out of the way; this test drives
	// frames in by hand.
	p := New(sender, b, time.Hour, nil)
	p.Start(context.Background())
	defer p.Stop()

	var mu sync.Mutex
	var updates []StateUpdate
	b.Subscribe(bus.TopicRobotState, func(m bus.Message) {
		mu.Lock()
		updates = append(updates, m.Data.(StateUpdate))
		mu.Unlock()
	})

	b.Publish(bus.TopicFrame, statusFrame(t), bus.High)

	testutil.WaitFor(t, time.Second, "robot state republish", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	})

	mu.Lock()
	update := updates[0]
	mu.Unlock()
	assert.Equal(t, protocol.AxisArm, update.Axis)
	require.Len(t, update.Report.Joints, 4)
	assert.Equal(t, 1500, update.Report.Joints[0].Position)
	assert.Equal(t, 200, update.Report.TotalCurrent)

	snap := p.Snapshot()
	require.Contains(t, snap, protocol.AxisArm)
	assert.Equal(t, update.Report, snap[protocol.AxisArm].Report)
	assert.False(t, snap[protocol.AxisArm].UpdatedAt.IsZero())
}

func TestNonStatusFramesIgnored(t *testing.T) {
	sender := &fakeSender{}
	b := bus.New()
	defer b.Close()

	p := New(sender, b, time.Hour, nil)
	p.Start(context.Background())
	defer p.Stop()

	var republished atomic.Int32
	b.Subscribe(bus.TopicRobotState, func(bus.Message) { republished.Add(1) })

	dec := protocol.NewDecoder()
	frames := dec.Feed(protocol.EncodeQuery(protocol.AxisArm))
	require.Len(t, frames, 1)
	b.Publish(bus.TopicFrame, frames[0], bus.High)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, republished.Load(), "non-status frame produced a state update")
	assert.Empty(t, p.Snapshot())
}

func TestStartIsIdempotent(t *testing.T) {
	sender := &fakeSender{}
	b := bus.New()
	defer b.Close()

	p := New(sender, b, time.Hour, nil)
	p.Start(context.Background())
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
