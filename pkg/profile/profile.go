// Package profile models the motion profiles (motion tasks) stored on the drive.
//
// Profiles are edited locally, every edit marks the affected dictionary
// fields as changed and only changed fields are uploaded. The drive keeps
// one profile staged for editing, switching to another one requires a copy
// command before and after the edit.
package profile

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidHandle = errors.New("invalid or stale profile handle")
	ErrTableFull     = errors.New("profile table is full")
	ErrNotIdle       = errors.New("motor not idle, unable to execute motion task")
)

type PositionMode uint8

const (
	Absolute       PositionMode = iota
	RelativeActual              // relative to the actual position
	RelativeTarget              // relative to the previous target
)

func (m PositionMode) String() string {
	switch m {
	case Absolute:
		return "absolute"
	case RelativeActual:
		return "relative-actual"
	case RelativeTarget:
		return "relative-target"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

type Blend uint8

const (
	BlendNone Blend = iota
	BlendBefore
	BlendAfter
)

func (b Blend) String() string {
	switch b {
	case BlendNone:
		return "none"
	case BlendBefore:
		return "before"
	case BlendAfter:
		return "after"
	}
	return fmt.Sprintf("blend(%d)", uint8(b))
}

// Upload state of a single dictionary field
type FieldState uint8

const (
	Unchanged FieldState = iota
	Changed
	Writing
	Written
	Invalid
)

var fieldStateNames = [...]string{"unchanged", "changed", "writing", "written", "invalid"}

func (s FieldState) String() string {
	if int(s) < len(fieldStateNames) {
		return fieldStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Uploadable fields, in upload order
type Field uint8

const (
	FieldPosition Field = iota
	FieldVelocity
	FieldControl
	FieldAcceleration
	FieldDeceleration
	FieldTable
	FieldNext
	FieldDelay
	fieldCount
)

var fieldNames = [fieldCount]string{"position", "velocity", "control", "acceleration", "deceleration", "table", "next", "delay"}

func (f Field) String() string {
	if f < fieldCount {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// Dictionary objects of the staged motion task, all written with subindex [FieldSubindex]
var FieldIndex = [fieldCount]uint16{
	FieldPosition:     0x2091,
	FieldVelocity:     0x2092,
	FieldControl:      0x2093,
	FieldAcceleration: 0x2094,
	FieldDeceleration: 0x2095,
	FieldTable:        0x2096,
	FieldNext:         0x2097,
	FieldDelay:        0x2098,
}

const (
	FieldSubindex       uint8  = 0x01
	IndexCopyMotionTask uint16 = 0x2082
	IndexControlword    uint16 = 0x6040
)

// Controlword bits of a motion task
const (
	cwRelative       uint16 = 0x01
	cwRelativeTarget uint16 = 0x02
	cwRelativeActual uint16 = 0x04
	cwNextTask       uint16 = 0x08
	cwBlend          uint16 = 0x10
	cwBlendBefore    uint16 = 0x100
	cwTable          uint16 = 0x200
	cwSIUnits        uint16 = 0x2000
)

// Handle of a profile slot, stale once the slot is destroyed
type Handle struct {
	Index      int
	Generation uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.Index, h.Generation)
}

type Profile struct {
	Number   uint32 // profile number on the drive
	Table    uint32
	Mode     PositionMode
	Position float64 // m
	Time     float64 // s
	HasNext  bool
	Next     Handle
	Delay    float64 // s
	Blend    Blend
}

// Controlword of a motion task, derived from the current fields only
func Controlword(p Profile) uint16 {
	var control uint16
	switch p.Mode {
	case RelativeActual:
		control |= cwRelative | cwRelativeActual
	case RelativeTarget:
		control |= cwRelative | cwRelativeTarget
	}
	if p.HasNext {
		control |= cwNextTask
	}
	switch p.Blend {
	case BlendBefore:
		control |= cwBlendBefore | cwBlend
	case BlendAfter:
		control |= cwBlend
	}
	return control | cwTable | cwSIUnits
}
