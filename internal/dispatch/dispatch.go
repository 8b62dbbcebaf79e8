// Package dispatch validates, calibrates, and rate-limits operator motion
// commands before they reach the serial link.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evobot-data/armlink/internal/calib"
	"github.com/evobot-data/armlink/internal/monitoring"
	"github.com/evobot-data/armlink/internal/protocol"
	"github.com/evobot-data/armlink/internal/seriallink"
)

var (
	// ErrInvalidJoint rejects a joint id outside the configured joint count.
	ErrInvalidJoint = errors.New("dispatch: invalid joint id")
	// ErrOutOfRange rejects a target position outside the configured range.
	ErrOutOfRange = errors.New("dispatch: position out of range")
	// ErrLengthMismatch rejects a position vector of the wrong length.
	ErrLengthMismatch = errors.New("dispatch: position count mismatch")
)

// Sender is the slice of the link the dispatcher needs.
type Sender interface {
	Send(payload []byte, class seriallink.Class) error
}

// Options tunes the dispatcher. Zero values select the protocol defaults.
type Options struct {
	JointCount  int
	PositionMin int
	PositionMax int
	// Interval is the command cadence; calls arriving faster coalesce into
	// the pending target vector.
	Interval time.Duration
}

func (o Options) withDefaults() Options {
	if o.JointCount <= 0 {
		o.JointCount = protocol.JointCount
	}
	if o.PositionMax <= 0 {
		o.PositionMax = protocol.PositionMax
	}
	if o.Interval <= 0 {
		o.Interval = 100 * time.Millisecond
	}
	return o
}

// Dispatcher holds one target vector for the whole arm. Motion calls merge
// into it; the vector is encoded and sent at most once per cadence interval,
// so the outbound backlog never exceeds one pending command regardless of
// call rate.
type Dispatcher struct {
	link  Sender
	zeros calib.ZeroSource
	opts  Options

	mu       sync.Mutex
	target   []int
	speeds   []byte
	dirty    bool
	lastSent time.Time
	timer    *time.Timer
	stopped  bool
}

// New creates a dispatcher sending through link with offsets from zeros.
func New(link Sender, zeros calib.ZeroSource, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		link:   link,
		zeros:  zeros,
		opts:   opts,
		target: make([]int, opts.JointCount),
		speeds: make([]byte, opts.JointCount),
	}
}

// MoveJoint schedules a move of a single joint, keeping the other joints at
// their last commanded targets. Validation failures leave the queue and the
// target vector untouched.
func (d *Dispatcher) MoveJoint(joint, position int, duration time.Duration) error {
	if joint < 0 || joint >= d.opts.JointCount {
		return fmt.Errorf("%w: %d", ErrInvalidJoint, joint)
	}
	if position < d.opts.PositionMin || position > d.opts.PositionMax {
		return fmt.Errorf("%w: joint %d target %d outside [%d,%d]",
			ErrOutOfRange, joint, position, d.opts.PositionMin, d.opts.PositionMax)
	}

	d.mu.Lock()
	d.target[joint] = position
	d.speeds[joint] = speedFor(duration)
	return d.scheduleLocked()
}

// MoveToPosition schedules a move of the whole arm. The vector must carry one
// entry per joint, each within range.
func (d *Dispatcher) MoveToPosition(positions []int, duration time.Duration) error {
	if len(positions) != d.opts.JointCount {
		return fmt.Errorf("%w: got %d, want %d", ErrLengthMismatch, len(positions), d.opts.JointCount)
	}
	for i, pos := range positions {
		if pos < d.opts.PositionMin || pos > d.opts.PositionMax {
			return fmt.Errorf("%w: joint %d target %d outside [%d,%d]",
				ErrOutOfRange, i, pos, d.opts.PositionMin, d.opts.PositionMax)
		}
	}
	speed := speedFor(duration)

	d.mu.Lock()
	copy(d.target, positions)
	for i := range d.speeds {
		d.speeds[i] = speed
	}
	return d.scheduleLocked()
}

// Stop discards any pending (not yet sent) command. Commands already handed
// to the link are beyond recall.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty = false
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Resume re-enables scheduling after Stop.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = false
}

// scheduleLocked sends immediately when the cadence allows, otherwise marks
// the vector pending and arms a flush timer. It consumes d.mu.
func (d *Dispatcher) scheduleLocked() error {
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	now := time.Now()
	if wait := d.opts.Interval - now.Sub(d.lastSent); wait > 0 {
		if !d.dirty {
			d.dirty = true
			d.timer = time.AfterFunc(wait, d.flush)
		}
		d.mu.Unlock()
		return nil
	}

	d.lastSent = now
	d.dirty = false
	data := d.encodeLocked()
	d.mu.Unlock()
	return d.link.Send(data, seriallink.ClassCommand)
}

// flush sends the coalesced pending vector once the cadence interval elapses.
func (d *Dispatcher) flush() {
	d.mu.Lock()
	if !d.dirty || d.stopped {
		d.mu.Unlock()
		return
	}
	d.dirty = false
	d.lastSent = time.Now()
	data := d.encodeLocked()
	d.mu.Unlock()

	if err := d.link.Send(data, seriallink.ClassCommand); err != nil {
		monitoring.Logf("dispatch: coalesced command not sent: %v", err)
	}
}

// encodeLocked applies the zero offsets and builds the command frame. Callers
// hold d.mu.
func (d *Dispatcher) encodeLocked() []byte {
	offsets := d.zeros.ZeroPositions()
	corrected := make([]int, d.opts.JointCount)
	for i := range corrected {
		corrected[i] = d.target[i]
		if i < len(offsets) {
			corrected[i] += offsets[i]
		}
		corrected[i] = protocol.ClampPosition(corrected[i])
	}
	return protocol.EncodePositionCommand(corrected, d.speeds)
}

// speedFor maps a requested move duration onto the firmware's coarse speed
// byte. Zero duration selects the stock speed.
func speedFor(d time.Duration) byte {
	if d <= 0 {
		return protocol.DefaultSpeed
	}
	steps := int(d / (100 * time.Millisecond))
	if steps < 1 {
		steps = 1
	}
	if steps > 0x3C {
		steps = 0x3C
	}
	return byte(steps)
}
