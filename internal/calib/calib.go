// Package calib defines the zero-position interface the command path
// consumes from the calibration subsystem. Persisted calibration formats live
// with that subsystem; this package only carries offsets in memory.
package calib

import (
	"fmt"
	"sync"
)

// ZeroSource supplies per-joint zero offsets. Every accepted motion command
// passes through the offset before encoding: corrected = raw + offset.
type ZeroSource interface {
	// ZeroPositions returns one offset per joint.
	ZeroPositions() []int
	// AdjustZero shifts a joint's offset by delta.
	AdjustZero(joint, delta int) error
}

// StaticSource is an in-memory ZeroSource. Offsets start at zero.
type StaticSource struct {
	mu      sync.RWMutex
	offsets []int
}

// NewStaticSource creates a source for jointCount joints with zero offsets.
func NewStaticSource(jointCount int) *StaticSource {
	return &StaticSource{offsets: make([]int, jointCount)}
}

// ZeroPositions returns a copy of the current offsets.
func (s *StaticSource) ZeroPositions() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, len(s.offsets))
	copy(out, s.offsets)
	return out
}

// AdjustZero shifts the offset for joint by delta.
func (s *StaticSource) AdjustZero(joint, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if joint < 0 || joint >= len(s.offsets) {
		return fmt.Errorf("calib: joint %d out of range [0,%d)", joint, len(s.offsets))
	}
	s.offsets[joint] += delta
	return nil
}
