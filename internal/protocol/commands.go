package protocol

// Joint and position limits for the ten-joint manipulator.
const (
	JointCount  = 10
	PositionMin = 0
	PositionMax = 3000

	// DefaultSpeed is the firmware's stock per-joint speed parameter.
	DefaultSpeed byte = 0x08
)

// ClampPosition limits a raw target to the range the firmware accepts.
func ClampPosition(pos int) int {
	if pos < PositionMin {
		return PositionMin
	}
	if pos > PositionMax {
		return PositionMax
	}
	return pos
}

// EncodeQuery builds a status query frame for the given board.
func EncodeQuery(axis Axis) []byte {
	return Encode(TypeQuery, axis, nil)
}

// EncodePositionCommand builds a position command frame carrying targets for
// all ten joints: four bytes per joint (big-endian position, speed byte,
// reserved zero). Missing entries are sent as zero, out-of-range entries are
// clamped, and a nil speeds slice selects DefaultSpeed throughout.
func EncodePositionCommand(positions []int, speeds []byte) []byte {
	payload := make([]byte, 0, JointCount*4)
	for i := 0; i < JointCount; i++ {
		pos := 0
		if i < len(positions) {
			pos = ClampPosition(positions[i])
		}
		speed := DefaultSpeed
		if i < len(speeds) && speeds[i] != 0 {
			speed = speeds[i]
		}
		payload = append(payload, byte(pos>>8), byte(pos), speed, 0x00)
	}
	return Encode(TypePositionCommand, AxisNone, payload)
}

// EncodeIDConfig builds a motor ID configuration frame for a single register
// write on the given board.
func EncodeIDConfig(board Axis, register, motorID, extra byte) []byte {
	return Encode(TypeIDConfig, board, []byte{0x01, register, motorID, extra})
}
