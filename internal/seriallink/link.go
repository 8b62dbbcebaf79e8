// Package seriallink owns the physical serial connection to the arm: the
// connect/reconnect lifecycle, a bounded two-class outbound queue, the inbound
// read loop feeding the frame decoder, and live statistics.
package seriallink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evobot-data/armlink/internal/bus"
	"github.com/evobot-data/armlink/internal/monitoring"
	"github.com/evobot-data/armlink/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send while the link has no session.
	ErrNotConnected = errors.New("seriallink: not connected")
	// ErrQueueFull is returned by Send when the outbound queue is at capacity.
	// A rejected payload was not sent and will not be retried by the link.
	ErrQueueFull = errors.New("seriallink: send queue full")
)

// Class separates the two traffic cadences multiplexed onto the link.
type Class int

const (
	// ClassQuery is periodic status polling. Queued queries may be coalesced:
	// the poller re-issues them every cycle, so only the newest matters.
	ClassQuery Class = iota
	// ClassCommand is operator motion traffic. Once accepted by Send, a
	// command is written eventually, in FIFO order within its class.
	ClassCommand
)

// Options tunes queue depths, pacing, and recovery behaviour. Zero values
// select the defaults.
type Options struct {
	// QuerySpacing is the minimum gap between query writes; it matches the
	// poll cadence so stacked queries collapse to the cycle rate.
	QuerySpacing time.Duration
	// CommandSpacing is the minimum gap between command writes.
	CommandSpacing    time.Duration
	QueryQueueDepth   int
	CommandQueueDepth int
	// MaxWriteFailures is the number of consecutive write failures tolerated
	// before the link transitions to Reconnecting.
	MaxWriteFailures int
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	// Opener replaces the production serial port opener, for tests and the
	// daemon's dev mode.
	Opener Opener
}

func (o Options) withDefaults() Options {
	if o.QuerySpacing <= 0 {
		o.QuerySpacing = 200 * time.Millisecond
	}
	if o.CommandSpacing <= 0 {
		o.CommandSpacing = 100 * time.Millisecond
	}
	if o.QueryQueueDepth <= 0 {
		o.QueryQueueDepth = 4
	}
	if o.CommandQueueDepth <= 0 {
		o.CommandQueueDepth = 32
	}
	if o.MaxWriteFailures <= 0 {
		o.MaxWriteFailures = 3
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 250 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	if o.Opener == nil {
		o.Opener = OpenPort
	}
	return o
}

type outboundItem struct {
	data     []byte
	class    Class
	enqueued time.Time
}

// Link multiplexes the two traffic classes onto one half-duplex serial
// channel and fans decoded frames out on the bus.
type Link struct {
	path     string
	portOpts PortOptions
	opts     Options
	bus      *bus.Bus

	state atomic.Int32

	// mu guards port, generation and readyCh. The generation counter makes
	// sure only the first loop to observe a dead port runs the reconnect.
	mu         sync.Mutex
	port       Porter
	generation uint64
	readyCh    chan struct{}

	queryCh chan outboundItem
	cmdCh   chan outboundItem

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	sendErrors    atomic.Uint64
	frameErrors   atomic.Uint64
	reconnects    atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a link for the serial device at path. Connect starts traffic.
func New(path string, portOpts PortOptions, opts Options, b *bus.Bus) *Link {
	opts = opts.withDefaults()
	return &Link{
		path:     path,
		portOpts: portOpts,
		opts:     opts,
		bus:      b,
		readyCh:  make(chan struct{}),
		queryCh:  make(chan outboundItem, opts.QueryQueueDepth),
		cmdCh:    make(chan outboundItem, opts.CommandQueueDepth),
	}
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	return State(l.state.Load())
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	return Stats{
		BytesSent:      l.bytesSent.Load(),
		BytesReceived:  l.bytesReceived.Load(),
		SendErrors:     l.sendErrors.Load(),
		FrameErrors:    l.frameErrors.Load(),
		ReconnectCount: l.reconnects.Load(),
		SendQueueSize:  len(l.cmdCh) + len(l.queryCh),
	}
}

// Connect opens the serial port and starts the read and send loops. It fails
// without changing queue contents if the port cannot be opened.
func (l *Link) Connect(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return fmt.Errorf("seriallink: connect while %v", l.State())
	}
	l.publishState(Disconnected, Connecting)

	port, err := l.opts.Opener(l.path, l.portOpts)
	if err != nil {
		l.setState(Disconnected)
		return fmt.Errorf("seriallink: open %s: %w", l.path, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.mu.Lock()
	l.port = port
	ready := l.readyCh
	l.mu.Unlock()

	l.setState(Connected)
	close(ready)

	l.wg.Add(2)
	go l.readLoop(runCtx)
	go l.sendLoop(runCtx)

	monitoring.Logf("link: connected to %s", l.path)
	return nil
}

// Disconnect cancels both loops, closes the port, and discards any queued
// outbound work. It returns the link to Disconnected from any state.
func (l *Link) Disconnect() error {
	if l.cancel != nil {
		l.cancel()
	}

	l.mu.Lock()
	port := l.port
	l.port = nil
	l.generation++
	l.readyCh = make(chan struct{})
	l.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	l.wg.Wait()
	l.drainQueues()
	l.setState(Disconnected)
	monitoring.Logf("link: disconnected from %s", l.path)
	return err
}

// Send enqueues payload for transmission. Commands are rejected with
// ErrQueueFull at capacity and are otherwise guaranteed to be written;
// queries displace the stalest queued query instead, since the poller
// re-issues them every cycle.
func (l *Link) Send(payload []byte, class Class) error {
	switch l.State() {
	case Connected, Reconnecting:
	default:
		return ErrNotConnected
	}

	item := outboundItem{data: payload, class: class, enqueued: time.Now()}
	if class == ClassCommand {
		select {
		case l.cmdCh <- item:
			return nil
		default:
			return ErrQueueFull
		}
	}

	select {
	case l.queryCh <- item:
		return nil
	default:
	}
	// Coalesce: drop the oldest queued query to make room for the new one.
	select {
	case <-l.queryCh:
	default:
	}
	select {
	case l.queryCh <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *Link) drainQueues() {
	for {
		select {
		case <-l.cmdCh:
		case <-l.queryCh:
		default:
			return
		}
	}
}

func (l *Link) setState(s State) {
	old := State(l.state.Swap(int32(s)))
	if old != s {
		l.publishState(old, s)
	}
}

func (l *Link) publishState(from, to State) {
	monitoring.Logf("link: %v -> %v", from, to)
	if l.bus != nil {
		l.bus.Publish(bus.TopicLinkState, StateChange{From: from, To: to, At: time.Now()}, bus.High)
	}
}

// currentPort returns the live port (nil while reconnecting) and the
// generation it belongs to.
func (l *Link) currentPort() (Porter, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port, l.generation
}

// waitConnected blocks until a port is installed or ctx is cancelled.
func (l *Link) waitConnected(ctx context.Context) bool {
	l.mu.Lock()
	ready := l.readyCh
	l.mu.Unlock()
	select {
	case <-ctx.Done():
		return false
	case <-ready:
		return ctx.Err() == nil
	}
}

// readLoop continuously reads available bytes, feeds the frame decoder, and
// publishes every validated frame on the frame topic.
func (l *Link) readLoop(ctx context.Context) {
	defer l.wg.Done()

	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)
	var seenErrors uint64

	for {
		if ctx.Err() != nil {
			return
		}
		port, gen := l.currentPort()
		if port == nil {
			if !l.waitConnected(ctx) {
				return
			}
			continue
		}

		n, err := port.Read(buf)
		if n > 0 {
			l.bytesReceived.Add(uint64(n))
			frames := dec.Feed(buf[:n])
			if e := dec.Errors(); e != seenErrors {
				l.frameErrors.Add(e - seenErrors)
				seenErrors = e
			}
			for _, f := range frames {
				l.bus.Publish(bus.TopicFrame, f, bus.High)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			monitoring.Logf("link: read failed: %v", err)
			l.recover(ctx, gen)
		}
	}
}

// sendLoop is the single exclusive writer. Each round services at most one
// pending item per traffic class, honouring the per-class minimum spacing, so
// neither class can starve the other.
func (l *Link) sendLoop(ctx context.Context) {
	defer l.wg.Done()

	var pending *outboundItem
	var nextQuery, nextCmd time.Time
	consecutive := 0

	for {
		if ctx.Err() != nil {
			return
		}
		port, gen := l.currentPort()
		if port == nil {
			if !l.waitConnected(ctx) {
				return
			}
			consecutive = 0
			continue
		}

		now := time.Now()
		wrote := false

		if !now.Before(nextCmd) {
			item := pending
			pending = nil
			if item == nil {
				select {
				case v := <-l.cmdCh:
					item = &v
				default:
				}
			}
			if item != nil {
				if l.writeItem(port, item.data) {
					nextCmd = now.Add(l.opts.CommandSpacing)
					consecutive = 0
					wrote = true
				} else {
					// Accepted commands are never dropped; hold it for the
					// next attempt.
					pending = item
					consecutive++
					if consecutive >= l.opts.MaxWriteFailures {
						l.recover(ctx, gen)
						consecutive = 0
						continue
					}
				}
			}
		}

		if !now.Before(nextQuery) {
			select {
			case item := <-l.queryCh:
				if now.Sub(item.enqueued) > 2*l.opts.QuerySpacing {
					// Stale query; the poller has re-issued it by now.
					break
				}
				if l.writeItem(port, item.data) {
					nextQuery = now.Add(l.opts.QuerySpacing)
					consecutive = 0
					wrote = true
				} else {
					// The poller re-issues queries every cycle; no requeue.
					consecutive++
					if consecutive >= l.opts.MaxWriteFailures {
						l.recover(ctx, gen)
						consecutive = 0
						continue
					}
				}
			default:
			}
		}

		if !wrote {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
}

func (l *Link) writeItem(port Porter, data []byte) bool {
	n, err := port.Write(data)
	if err != nil || n != len(data) {
		l.sendErrors.Add(1)
		monitoring.Logf("link: write failed after %d bytes: %v", n, err)
		return false
	}
	l.bytesSent.Add(uint64(n))
	return true
}

// recover tears down the dead port and reopens it with bounded backoff. The
// generation check guarantees a single Reconnecting transition no matter how
// many loops observed the failure; late callers return and park in
// waitConnected until the session is back.
func (l *Link) recover(ctx context.Context, gen uint64) {
	l.mu.Lock()
	if gen != l.generation {
		l.mu.Unlock()
		return
	}
	l.generation++
	myGen := l.generation
	old := l.port
	l.port = nil
	l.readyCh = make(chan struct{})
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}
	l.setState(Reconnecting)

	backoff := l.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		port, err := l.opts.Opener(l.path, l.portOpts)
		if err == nil {
			l.mu.Lock()
			if l.generation != myGen || ctx.Err() != nil {
				// Disconnect invalidated the session while the port was
				// opening; the reopened handle must not leak.
				l.mu.Unlock()
				port.Close()
				return
			}
			l.port = port
			ready := l.readyCh
			l.mu.Unlock()

			l.reconnects.Add(1)
			l.setState(Connected)
			close(ready)
			monitoring.Logf("link: reconnected to %s", l.path)
			return
		}

		monitoring.Logf("link: reopen %s failed: %v (retrying in %v)", l.path, err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.opts.BackoffMax {
			backoff = l.opts.BackoffMax
		}
	}
}
