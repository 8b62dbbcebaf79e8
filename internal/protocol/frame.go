// Package protocol implements the byte-framed wire protocol spoken by the
// arm's controller boards over the RS-485 link: frame construction with
// escaping and an additive checksum, and an incremental decoder that
// resynchronises after corrupt or truncated input.
package protocol

import "fmt"

// Wire sentinels. The escape bytes never appear inside an encoded body, so a
// header or trailer byte on the wire is always a real frame boundary.
const (
	FrameHeader  = 0xFD
	FrameTrailer = 0xF8

	escapeByte = 0xFE
)

// FrameType identifies the command or report carried by a frame.
type FrameType byte

const (
	TypePositionCommand FrameType = 0x71
	TypeQuery           FrameType = 0x72
	TypeArmStatus       FrameType = 0x73
	TypeFingerStatus    FrameType = 0x74
	TypeIDConfig        FrameType = 0x75
	// TypeWristStatus is reserved for firmware that reports wrist joints in a
	// dedicated frame; current boards fold them into the finger status frame.
	TypeWristStatus FrameType = 0x76
)

// IsStatus reports whether the frame type is a status report from a board.
func (t FrameType) IsStatus() bool {
	switch t {
	case TypeArmStatus, TypeFingerStatus, TypeWristStatus:
		return true
	}
	return false
}

func (t FrameType) String() string {
	switch t {
	case TypePositionCommand:
		return "position_command"
	case TypeQuery:
		return "query"
	case TypeArmStatus:
		return "arm_status"
	case TypeFingerStatus:
		return "finger_status"
	case TypeIDConfig:
		return "id_config"
	case TypeWristStatus:
		return "wrist_status"
	}
	return fmt.Sprintf("unknown(0x%02X)", byte(t))
}

// Axis names an actuator group addressed independently on the bus.
type Axis byte

const (
	AxisNone   Axis = 0
	AxisArm    Axis = 1
	AxisWrist  Axis = 2
	AxisFinger Axis = 3
)

func (a Axis) String() string {
	switch a {
	case AxisArm:
		return "arm"
	case AxisWrist:
		return "wrist"
	case AxisFinger:
		return "finger"
	case AxisNone:
		return "none"
	}
	return fmt.Sprintf("axis(%d)", byte(a))
}

// Frame is one validated protocol unit. A Frame only exists if its checksum
// matched and both sentinels were present; it is immutable once constructed.
type Frame struct {
	Type    FrameType
	Axis    Axis
	Payload []byte
}

// axisAddressed reports whether the first payload byte of the frame type
// selects a target board on the wire.
func axisAddressed(t FrameType) bool {
	return t == TypeQuery || t == TypeIDConfig
}

// axisFor derives the axis classification of a decoded frame.
func axisFor(t FrameType, data []byte) (Axis, []byte) {
	switch {
	case axisAddressed(t) && len(data) > 0:
		return Axis(data[0]), data[1:]
	case t == TypeArmStatus:
		return AxisArm, data
	case t == TypeWristStatus:
		return AxisWrist, data
	case t == TypeFingerStatus:
		return AxisFinger, data
	}
	return AxisNone, data
}
