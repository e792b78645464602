package steamctl

import (
	"encoding/binary"
	"fmt"
)

// Frame layout constants. Every report starts with a lead byte followed by a
// 16-bit little-endian flag word whose low nibble selects the frame kind;
// the remaining flag bits declare which payload regions follow, in a fixed
// order.
const (
	frameLead = 0xc0

	kindMask      = 0x000f
	kindInput     = 0x0004
	kindKeepalive = 0x0005

	flagButtons  = 0x0010
	flagTriggers = 0x0020
	flagStick    = 0x0080
	flagLeftPad  = 0x0100
	flagRightPad = 0x0200
)

// DecodeError reports a malformed frame: wrong lead byte or truncation
// below what its flags declare.
type DecodeError struct {
	Reason string
	Length int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed controller frame (%d bytes): %s", e.Length, e.Reason)
}

func decodeErrorf(n int, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Length: n}
}

// Decode interprets one raw notification frame. It returns the decoded state
// and true for input reports; keepalives and other non-input frames return
// (nil, false, nil) and are not errors. prev supplies the previous button
// state for edge detection; with prev nil every pressed button is reported
// as a fresh press.
//
// Decoding is pure: the same frame and prev always yield the same state, and
// a decode failure never corrupts prev.
func Decode(data []byte, prev *ControllerState) (*ControllerState, bool, error) {
	if len(data) < 2 {
		return nil, false, decodeErrorf(len(data), "shorter than lead byte plus flags")
	}
	if data[0] != frameLead {
		return nil, false, decodeErrorf(len(data), "bad lead byte 0x%02x", data[0])
	}
	// Keepalives are identified by the first flag byte alone and may be
	// shorter than a full flag word.
	if data[1]&kindMask == kindKeepalive {
		return nil, false, nil
	}
	if len(data) < 3 {
		return nil, false, decodeErrorf(len(data), "shorter than lead byte plus flags")
	}

	flags := binary.LittleEndian.Uint16(data[1:3])
	if flags&kindMask != kindInput {
		return nil, false, nil
	}

	state := &ControllerState{}
	pos := 3

	need := func(n int, region string) error {
		if len(data) < pos+n {
			return decodeErrorf(len(data), "truncated %s region: need %d more bytes", region, pos+n-len(data))
		}
		return nil
	}

	if flags&flagButtons != 0 {
		if err := need(3, "button"); err != nil {
			return nil, false, err
		}
		// 24-bit big-endian bitmask.
		state.Buttons = ButtonSet(uint32(data[pos])<<16 | uint32(data[pos+1])<<8 | uint32(data[pos+2]))
		state.HasButtons = true
		pos += 3
	}

	if flags&flagTriggers != 0 {
		if err := need(2, "trigger"); err != nil {
			return nil, false, err
		}
		state.LeftTrigger = data[pos]
		state.RightTrigger = data[pos+1]
		state.HasTriggers = true
		pos += 2
	}

	if flags&flagStick != 0 {
		if err := need(4, "stick"); err != nil {
			return nil, false, err
		}
		state.StickX = int16(binary.LittleEndian.Uint16(data[pos : pos+2]))
		state.StickY = int16(binary.LittleEndian.Uint16(data[pos+2 : pos+4]))
		state.HasStick = true
		pos += 4
	}

	if flags&flagLeftPad != 0 {
		if err := need(4, "left pad"); err != nil {
			return nil, false, err
		}
		state.LeftPadX = int16(binary.LittleEndian.Uint16(data[pos : pos+2]))
		state.LeftPadY = int16(binary.LittleEndian.Uint16(data[pos+2 : pos+4]))
		state.HasLeftPad = true
		pos += 4
	}

	if flags&flagRightPad != 0 {
		if err := need(4, "right pad"); err != nil {
			return nil, false, err
		}
		state.RightPadX = int16(binary.LittleEndian.Uint16(data[pos : pos+2]))
		state.RightPadY = int16(binary.LittleEndian.Uint16(data[pos+2 : pos+4]))
		state.HasRightPad = true
		pos += 4
	}

	if state.HasButtons {
		var prevButtons ButtonSet
		if prev != nil {
			prevButtons = prev.Buttons
		}
		state.NewPresses = state.Buttons &^ prevButtons
		state.NewReleases = prevButtons &^ state.Buttons
	}

	return state, true, nil
}
