package main

import (
	"errors"

	"github.com/srg/padlink/internal/peer"
	"github.com/srg/padlink/internal/radio"
	"github.com/srg/padlink/pkg/steamctl"
)

// FormatUserError maps internal errors to actionable messages. Unknown
// errors pass through unchanged.
func FormatUserError(err error) string {
	var decodeErr *steamctl.DecodeError
	var oversize *peer.OversizeWriteError

	switch {
	case errors.Is(err, radio.ErrUnavailable):
		return "the radio is busy with Wifi traffic; try again or reduce Wifi load (" + err.Error() + ")"
	case errors.Is(err, peer.ErrConnectFailed):
		return "could not connect to the controller; make sure it is on and in range (" + err.Error() + ")"
	case errors.Is(err, peer.ErrDiscoveryFailed):
		return "connected, but the controller did not expose the expected service; is it a Steam Controller? (" + err.Error() + ")"
	case errors.Is(err, peer.ErrLinkLost):
		return "the controller connection was lost (" + err.Error() + ")"
	case errors.As(err, &oversize):
		return "write payload too large for the negotiated MTU (" + err.Error() + ")"
	case errors.As(err, &decodeErr):
		return "received a frame this tool cannot decode (" + err.Error() + ")"
	default:
		return err.Error()
	}
}
