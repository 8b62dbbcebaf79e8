package seriallink

import "time"

// State is the link lifecycle state. It is owned exclusively by the Link and
// mutated only by its own loops and the Connect/Disconnect calls.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// StateChange is published on the link_state topic on every transition.
type StateChange struct {
	From State
	To   State
	At   time.Time
}

// Stats is a point-in-time copy of the link counters, safe to read while
// traffic is flowing.
type Stats struct {
	BytesSent      uint64
	BytesReceived  uint64
	SendErrors     uint64
	FrameErrors    uint64
	ReconnectCount uint64
	SendQueueSize  int
}
