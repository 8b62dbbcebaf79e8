// Package poller drives periodic status queries over the link and aggregates
// decoded status frames into the latest known robot state.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/evobot-data/armlink/internal/bus"
	"github.com/evobot-data/armlink/internal/monitoring"
	"github.com/evobot-data/armlink/internal/protocol"
	"github.com/evobot-data/armlink/internal/seriallink"
)

// Sender is the slice of the link the poller needs.
type Sender interface {
	Send(payload []byte, class seriallink.Class) error
}

// AxisStatus is the latest decoded status for one axis.
type AxisStatus struct {
	Report    *protocol.StatusReport
	UpdatedAt time.Time
}

// StateUpdate is published on the robot_state topic after every accepted
// status frame.
type StateUpdate struct {
	Axis   protocol.Axis
	Report *protocol.StatusReport
	At     time.Time
}

// Poller issues fire-and-forget status queries at a fixed cadence, rotating
// through its target axes, and republishes decoded status onto the bus. It
// never owns the link's lifecycle.
type Poller struct {
	link     Sender
	bus      *bus.Bus
	interval time.Duration
	targets  []protocol.Axis

	mu      sync.Mutex
	state   map[protocol.Axis]AxisStatus
	subID   string
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New creates a poller. A zero interval selects the 200 ms poll cadence the
// boards are rated for; nil targets selects the arm and wrist boards.
func New(link Sender, b *bus.Bus, interval time.Duration, targets []protocol.Axis) *Poller {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if len(targets) == 0 {
		targets = []protocol.Axis{protocol.AxisArm, protocol.AxisWrist}
	}
	return &Poller{
		link:     link,
		bus:      b,
		interval: interval,
		targets:  targets,
		state:    make(map[protocol.Axis]AxisStatus),
	}
}

// Start subscribes to the frame topic and begins the query ticker. It is a
// no-op if the poller is already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.subID = p.bus.Subscribe(bus.TopicFrame, p.onFrame)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(runCtx)
}

// Stop cancels the ticker and unsubscribes. Link state is untouched.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	subID := p.subID
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.bus.Unsubscribe(subID)
}

// Snapshot returns a copy of the latest per-axis status.
func (p *Poller) Snapshot() map[protocol.Axis]AxisStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[protocol.Axis]AxisStatus, len(p.state))
	for axis, status := range p.state {
		out[axis] = status
	}
	return out
}

// run issues one query per tick, advancing the round-robin target regardless
// of whether the previous response arrived. A rejected or coalesced query is
// simply retried by the next cycle.
func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			target := p.targets[next%len(p.targets)]
			next++
			if err := p.link.Send(protocol.EncodeQuery(target), seriallink.ClassQuery); err != nil {
				monitoring.Logf("poller: query for %v not sent: %v", target, err)
			}
		}
	}
}

// onFrame handles every decoded frame; status frames update the aggregate and
// are republished as a normalized state update.
func (p *Poller) onFrame(m bus.Message) {
	frame, ok := m.Data.(*protocol.Frame)
	if !ok || !frame.Type.IsStatus() {
		return
	}
	report, err := protocol.ParseStatus(frame)
	if err != nil {
		monitoring.Logf("poller: discarding status frame: %v", err)
		return
	}

	now := time.Now()
	p.mu.Lock()
	p.state[report.Axis] = AxisStatus{Report: report, UpdatedAt: now}
	p.mu.Unlock()

	p.bus.Publish(bus.TopicRobotState, StateUpdate{Axis: report.Axis, Report: report, At: now}, bus.Normal)
}
