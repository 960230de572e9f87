package main

import (
	"errors"

	"github.com/srg/blemitm/internal/connector"
	"github.com/srg/blemitm/internal/mitm"
)

// FormatUserError turns internal errors into operator-friendly messages.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, connector.ErrConnectFailed):
		return err.Error() + "\nCheck that the device is in range and advertising, and try --addrtype random."
	case errors.Is(err, connector.ErrUpstreamLost):
		return err.Error() + "\nThe upstream device dropped the connection; the session was shut down."
	case errors.Is(err, mitm.ErrRegistrationFailed):
		return err.Error() + "\nAnother advertisement or GATT application may already be registered on this controller."
	}
	return err.Error()
}
