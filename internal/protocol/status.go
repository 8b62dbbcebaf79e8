package protocol

import (
	"encoding/binary"
	"fmt"
)

// Joint numbering used by the firmware: the wrist board reports joints 0-5
// (five fingers plus the wrist), the arm board reports joints 6-9 (two
// shoulder and two elbow actuators).
const (
	fingerJointBase  = 0
	armJointBase     = 6
	armJointCount    = 4
	fingerJointCount = 6

	jointRecordLen = 6
)

// JointReading is the decoded state of a single joint.
type JointReading struct {
	Joint    int
	Position int
	Velocity int
	Current  int
}

// StatusReport is the decoded payload of a status frame: per-joint readings
// plus the board's total current draw in milliamps.
type StatusReport struct {
	Axis         Axis
	Joints       []JointReading
	TotalCurrent int
}

// ParseStatus decodes the payload of a status frame. It returns an error for
// non-status frame types and for payloads shorter than the joint table the
// type declares.
func ParseStatus(f *Frame) (*StatusReport, error) {
	switch f.Type {
	case TypeArmStatus:
		return parseJointTable(f, armJointCount, armJointBase)
	case TypeFingerStatus, TypeWristStatus:
		return parseJointTable(f, fingerJointCount, fingerJointBase)
	}
	return nil, fmt.Errorf("protocol: %v is not a status frame", f.Type)
}

func parseJointTable(f *Frame, count, base int) (*StatusReport, error) {
	want := count*jointRecordLen + 2
	if len(f.Payload) < want {
		return nil, fmt.Errorf("protocol: %v payload too short: %d bytes, want %d", f.Type, len(f.Payload), want)
	}

	report := &StatusReport{
		Axis:   f.Axis,
		Joints: make([]JointReading, 0, count),
	}
	for i := 0; i < count; i++ {
		rec := f.Payload[i*jointRecordLen:]
		report.Joints = append(report.Joints, JointReading{
			Joint:    base + i,
			Position: int(binary.BigEndian.Uint16(rec)),
			Velocity: int(binary.BigEndian.Uint16(rec[2:])),
			Current:  int(binary.BigEndian.Uint16(rec[4:])),
		})
	}
	report.TotalCurrent = int(binary.BigEndian.Uint16(f.Payload[count*jointRecordLen:]))
	return report, nil
}
