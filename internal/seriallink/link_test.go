package seriallink

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evobot-data/armlink/internal/bus"
	"github.com/evobot-data/armlink/internal/protocol"
	"github.com/evobot-data/armlink/internal/testutil"
)

func newTestLink(t *testing.T, port *MockPort, opts Options) (*Link, *bus.Bus) {
	t.Helper()
	opts.Opener = MockOpener(port)
	if opts.BackoffMin == 0 {
		opts.BackoffMin = time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 10 * time.Millisecond
	}
	b := bus.New()
	l := New("mock", PortOptions{}, opts, b)
	t.Cleanup(func() {
		l.Disconnect()
		b.Close()
	})
	return l, b
}

func TestConnectFailure(t *testing.T) {
	opts := Options{Opener: func(string, PortOptions) (Porter, error) {
		return nil, errors.New("no such device")
	}}
	l := New("/dev/missing", PortOptions{}, opts, bus.New())

	err := l.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Disconnected, l.State())
}

func TestSendWhileDisconnected(t *testing.T) {
	l, _ := newTestLink(t, NewMockPort(), Options{})
	err := l.Send(protocol.EncodeQuery(protocol.AxisArm), ClassQuery)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectTwiceRejected(t *testing.T) {
	l, _ := newTestLink(t, NewMockPort(), Options{})
	require.NoError(t, l.Connect(context.Background()))
	assert.Error(t, l.Connect(context.Background()))
}

func TestCommandsWrittenInOrder(t *testing.T) {
	port := NewMockPort()
	l, _ := newTestLink(t, port, Options{CommandSpacing: time.Millisecond})
	require.NoError(t, l.Connect(context.Background()))

	cmds := [][]byte{
		protocol.EncodePositionCommand([]int{100}, nil),
		protocol.EncodePositionCommand([]int{200}, nil),
		protocol.EncodePositionCommand([]int{300}, nil),
	}
	var want []byte
	for _, c := range cmds {
		require.NoError(t, l.Send(c, ClassCommand))
		want = append(want, c...)
	}

	testutil.WaitFor(t, time.Second, "all commands to reach the port", func() bool {
		return bytes.Equal(port.Written(), want)
	})
	assert.Equal(t, uint64(len(want)), l.Stats().BytesSent)
}

func TestCommandQueueFull(t *testing.T) {
	port := NewMockPort()
	// An hour of spacing freezes the drain after the first write.
	l, _ := newTestLink(t, port, Options{CommandSpacing: time.Hour, CommandQueueDepth: 2})
	require.NoError(t, l.Connect(context.Background()))

	first := protocol.EncodePositionCommand([]int{100}, nil)
	require.NoError(t, l.Send(first, ClassCommand))
	testutil.WaitFor(t, time.Second, "first command to be written", func() bool {
		return bytes.Equal(port.Written(), first)
	})

	require.NoError(t, l.Send(first, ClassCommand))
	require.NoError(t, l.Send(first, ClassCommand))
	assert.ErrorIs(t, l.Send(first, ClassCommand), ErrQueueFull)
}

// TestQueryCoalescing floods a depth-1 query queue and verifies the newest
// query displaces the stale one instead of being rejected.
func TestQueryCoalescing(t *testing.T) {
	port := NewMockPort()
	l, _ := newTestLink(t, port, Options{QuerySpacing: time.Hour, QueryQueueDepth: 1})
	require.NoError(t, l.Connect(context.Background()))

	first := protocol.EncodeQuery(protocol.AxisArm)
	require.NoError(t, l.Send(first, ClassQuery))
	testutil.WaitFor(t, time.Second, "first query to be written", func() bool {
		return bytes.Equal(port.Written(), first)
	})

	require.NoError(t, l.Send(protocol.EncodeQuery(protocol.AxisArm), ClassQuery))
	require.NoError(t, l.Send(protocol.EncodeQuery(protocol.AxisWrist), ClassQuery))
	newest := protocol.EncodeQuery(protocol.AxisFinger)
	require.NoError(t, l.Send(newest, ClassQuery))

	// The hour of spacing keeps the send loop away from the queue, so the
	// surviving entry is observable directly.
	require.Equal(t, 1, len(l.queryCh))
	item := <-l.queryCh
	assert.Equal(t, newest, item.data)
}

func TestReadLoopPublishesFrames(t *testing.T) {
	port := NewMockPort()
	l, b := newTestLink(t, port, Options{})
	require.NoError(t, l.Connect(context.Background()))

	var mu sync.Mutex
	var frames []*protocol.Frame
	b.Subscribe(bus.TopicFrame, func(m bus.Message) {
		f, ok := m.Data.(*protocol.Frame)
		if !ok {
			t.Errorf("frame topic carried %T", m.Data)
			return
		}
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})

	// A truncated frame ahead of a valid one exercises resync counting too.
	truncated := protocol.EncodeQuery(protocol.AxisArm)
	truncated = truncated[:len(truncated)-1]
	port.AddReadData(truncated)
	port.AddReadData(protocol.EncodeQuery(protocol.AxisWrist))

	testutil.WaitFor(t, time.Second, "decoded frame on the bus", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	})

	mu.Lock()
	assert.Equal(t, protocol.TypeQuery, frames[0].Type)
	assert.Equal(t, protocol.AxisWrist, frames[0].Axis)
	mu.Unlock()

	stats := l.Stats()
	assert.NotZero(t, stats.BytesReceived)
	assert.NotZero(t, stats.FrameErrors)
}

// TestWriteFailureTriggersSingleReconnect drives the link through its failure
// budget with a blocked reopen, then verifies exactly one reconnect happened
// and the held command was finally written.
func TestWriteFailureTriggersSingleReconnect(t *testing.T) {
	port := NewMockPort()
	var blocked atomic.Bool
	opts := Options{
		MaxWriteFailures: 3,
		CommandSpacing:   time.Millisecond,
		BackoffMin:       time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
		Opener: func(string, PortOptions) (Porter, error) {
			if blocked.Load() {
				return nil, errors.New("device busy")
			}
			port.reopen()
			return port, nil
		},
	}
	b := bus.New()
	l := New("mock", PortOptions{}, opts, b)
	t.Cleanup(func() {
		l.Disconnect()
		b.Close()
	})
	require.NoError(t, l.Connect(context.Background()))

	port.SetWriteError(errors.New("io failure"))
	blocked.Store(true)

	payload := protocol.EncodePositionCommand([]int{1500}, nil)
	require.NoError(t, l.Send(payload, ClassCommand))

	testutil.WaitFor(t, time.Second, "link to enter reconnecting", func() bool {
		return l.State() == Reconnecting
	})

	port.SetWriteError(nil)
	blocked.Store(false)

	testutil.WaitFor(t, time.Second, "held command to be written after recovery", func() bool {
		return bytes.Equal(port.Written(), payload)
	})

	stats := l.Stats()
	assert.Equal(t, uint64(1), stats.ReconnectCount)
	assert.Equal(t, uint64(3), stats.SendErrors)
	assert.Equal(t, Connected, l.State())
}

func TestReadErrorRecovers(t *testing.T) {
	port := NewMockPort()
	l, b := newTestLink(t, port, Options{})
	require.NoError(t, l.Connect(context.Background()))

	var sawReconnecting atomic.Bool
	b.Subscribe(bus.TopicLinkState, func(m bus.Message) {
		if ch, ok := m.Data.(StateChange); ok && ch.To == Reconnecting {
			sawReconnecting.Store(true)
		}
	})

	port.SetReadError(errors.New("io failure"))
	testutil.WaitFor(t, time.Second, "reconnecting transition", func() bool {
		return sawReconnecting.Load()
	})

	port.SetReadError(nil)
	testutil.WaitFor(t, time.Second, "link to settle connected", func() bool {
		return l.State() == Connected
	})
	assert.NotZero(t, l.Stats().ReconnectCount)

	// Traffic resumes on the reopened session.
	var got atomic.Int32
	b.Subscribe(bus.TopicFrame, func(bus.Message) { got.Add(1) })
	port.AddReadData(protocol.EncodeQuery(protocol.AxisArm))
	testutil.WaitFor(t, time.Second, "frame after recovery", func() bool {
		return got.Load() == 1
	})
}

// trackedPort records whether Close was called on it.
type trackedPort struct {
	mu     sync.Mutex
	closed bool
}

func (p *trackedPort) Read([]byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (p *trackedPort) Write(data []byte) (int, error) { return len(data), nil }

func (p *trackedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *trackedPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// TestDisconnectDuringRecoveryDiscardsReopenedPort holds the reopen inside
// the opener while Disconnect invalidates the session, then verifies the
// reopened handle is closed instead of installed and the link stays down.
func TestDisconnectDuringRecoveryDiscardsReopenedPort(t *testing.T) {
	first := NewMockPort()
	second := &trackedPort{}
	opening := make(chan struct{})
	proceed := make(chan struct{})
	var calls atomic.Int32

	opts := Options{
		BackoffMin: time.Millisecond,
		BackoffMax: 5 * time.Millisecond,
		Opener: func(string, PortOptions) (Porter, error) {
			if calls.Add(1) == 1 {
				return first, nil
			}
			close(opening)
			<-proceed
			return second, nil
		},
	}
	b := bus.New()
	defer b.Close()
	l := New("mock", PortOptions{}, opts, b)
	require.NoError(t, l.Connect(context.Background()))

	first.SetReadError(errors.New("io failure"))
	<-opening // recovery is now blocked inside the opener

	done := make(chan struct{})
	go func() {
		l.Disconnect()
		close(done)
	}()

	// Recovery bumped the generation once; wait for Disconnect's bump
	// before letting the opener return.
	testutil.WaitFor(t, time.Second, "disconnect to invalidate the session", func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.generation == 2
	})
	close(proceed)
	<-done

	testutil.WaitFor(t, time.Second, "stale reopened port to be closed", second.isClosed)
	assert.Equal(t, Disconnected, l.State())
	assert.Zero(t, l.Stats().ReconnectCount, "discarded reopen counted as a reconnect")
	l.mu.Lock()
	assert.Nil(t, l.port, "stale port was installed after disconnect")
	l.mu.Unlock()
}

func TestDisconnect(t *testing.T) {
	port := NewMockPort()
	l, _ := newTestLink(t, port, Options{CommandSpacing: time.Hour})
	require.NoError(t, l.Connect(context.Background()))

	require.NoError(t, l.Send(protocol.EncodeQuery(protocol.AxisArm), ClassQuery))
	require.NoError(t, l.Disconnect())

	assert.Equal(t, Disconnected, l.State())
	assert.Zero(t, l.Stats().SendQueueSize, "queued work survived disconnect")
	assert.ErrorIs(t, l.Send(protocol.EncodeQuery(protocol.AxisArm), ClassQuery), ErrNotConnected)
}
