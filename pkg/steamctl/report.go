// Package steamctl decodes the Steam Controller's vendor-specific
// HID-over-BLE input reports into structured controller state and provides a
// client that drives the full scan/connect/subscribe pipeline.
package steamctl

import (
	"strings"
)

// Button identifies one digital input as a bit in the 24-bit report bitmask.
type Button uint32

const (
	ButtonA             Button = 0x800000
	ButtonX             Button = 0x400000
	ButtonB             Button = 0x200000
	ButtonY             Button = 0x100000
	ButtonLeftBumper    Button = 0x080000
	ButtonRightBumper   Button = 0x040000
	ButtonLeftTrigger   Button = 0x020000
	ButtonRightTrigger  Button = 0x010000
	ButtonLeftPaddle    Button = 0x008000
	ButtonNavRight      Button = 0x004000
	ButtonSteam         Button = 0x002000
	ButtonNavLeft       Button = 0x001000
	ButtonJoystick      Button = 0x000040
	ButtonRightPadTouch Button = 0x000010
	ButtonLeftPadTouch  Button = 0x000008
	ButtonRightPadClick Button = 0x000004
	ButtonLeftPadClick  Button = 0x000002
	ButtonRightPaddle   Button = 0x000001
)

// allButtons lists every known bit in a stable display order.
var allButtons = []Button{
	ButtonA, ButtonB, ButtonX, ButtonY,
	ButtonLeftBumper, ButtonRightBumper,
	ButtonLeftTrigger, ButtonRightTrigger,
	ButtonLeftPaddle, ButtonRightPaddle,
	ButtonNavLeft, ButtonNavRight, ButtonSteam,
	ButtonJoystick,
	ButtonLeftPadTouch, ButtonLeftPadClick,
	ButtonRightPadTouch, ButtonRightPadClick,
}

var buttonNames = map[Button]string{
	ButtonA:             "A",
	ButtonB:             "B",
	ButtonX:             "X",
	ButtonY:             "Y",
	ButtonLeftBumper:    "LeftBumper",
	ButtonRightBumper:   "RightBumper",
	ButtonLeftTrigger:   "LeftTrigger",
	ButtonRightTrigger:  "RightTrigger",
	ButtonLeftPaddle:    "LeftPaddle",
	ButtonRightPaddle:   "RightPaddle",
	ButtonNavLeft:       "NavLeft",
	ButtonNavRight:      "NavRight",
	ButtonSteam:         "Steam",
	ButtonJoystick:      "Joystick",
	ButtonLeftPadTouch:  "LeftPadTouch",
	ButtonLeftPadClick:  "LeftPadClick",
	ButtonRightPadTouch: "RightPadTouch",
	ButtonRightPadClick: "RightPadClick",
}

func (b Button) String() string {
	if name, ok := buttonNames[b]; ok {
		return name
	}
	return "Unknown"
}

// ButtonSet is the raw 24-bit button bitmask.
type ButtonSet uint32

func (s ButtonSet) Contains(b Button) bool { return uint32(s)&uint32(b) != 0 }

func (s ButtonSet) Empty() bool { return s == 0 }

// Buttons lists the individual pressed buttons.
func (s ButtonSet) Buttons() []Button {
	var out []Button
	for _, b := range allButtons {
		if s.Contains(b) {
			out = append(out, b)
		}
	}
	return out
}

func (s ButtonSet) String() string {
	pressed := s.Buttons()
	if len(pressed) == 0 {
		return "{}"
	}
	names := make([]string, len(pressed))
	for i, b := range pressed {
		names[i] = b.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Axis identifies one analog input.
type Axis int

const (
	AxisStickX Axis = iota
	AxisStickY
	AxisLeftPadX
	AxisLeftPadY
	AxisRightPadX
	AxisRightPadY
)

func (a Axis) String() string {
	switch a {
	case AxisStickX:
		return "StickX"
	case AxisStickY:
		return "StickY"
	case AxisLeftPadX:
		return "LeftPadX"
	case AxisLeftPadY:
		return "LeftPadY"
	case AxisRightPadX:
		return "RightPadX"
	case AxisRightPadY:
		return "RightPadY"
	default:
		return "Unknown"
	}
}

// axisScale normalizes raw stick/pad values into [-1, 1].
const axisScale = 32760.0

// ControllerState is the decoded form of one input report. Axis and trigger
// fields hold the last reported raw values; fields absent from a report keep
// their zero value (the decoder carries nothing over between frames except
// edge detection, which derives from the previous state's buttons).
type ControllerState struct {
	Buttons ButtonSet

	StickX, StickY       int16
	LeftPadX, LeftPadY   int16
	RightPadX, RightPadY int16

	LeftTrigger, RightTrigger uint8

	// HasButtons reports whether the frame carried a button region; edge
	// detection is only meaningful when it did.
	HasButtons bool
	// HasStick, HasLeftPad, HasRightPad, HasTriggers mark which analog
	// regions the frame carried.
	HasStick    bool
	HasLeftPad  bool
	HasRightPad bool
	HasTriggers bool

	// NewPresses and NewReleases are the edge transitions against the
	// previous state. With no previous state every pressed button counts as
	// a fresh press, never as a transition.
	NewPresses  ButtonSet
	NewReleases ButtonSet
}

// AxisValue returns the raw axis value scaled to [-1, 1].
func (s *ControllerState) AxisValue(a Axis) float32 {
	switch a {
	case AxisStickX:
		return float32(s.StickX) / axisScale
	case AxisStickY:
		return float32(s.StickY) / axisScale
	case AxisLeftPadX:
		return float32(s.LeftPadX) / axisScale
	case AxisLeftPadY:
		return float32(s.LeftPadY) / axisScale
	case AxisRightPadX:
		return float32(s.RightPadX) / axisScale
	case AxisRightPadY:
		return float32(s.RightPadY) / axisScale
	default:
		return 0
	}
}

// TriggerValue returns the analog trigger position in [0, 1].
func (s *ControllerState) TriggerValue(right bool) float32 {
	if right {
		return float32(s.RightTrigger) / 255.0
	}
	return float32(s.LeftTrigger) / 255.0
}
