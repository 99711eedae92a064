package obd2can

import (
	"errors"

	"github.com/anodyne74/obd2can/internal/protocol"
)

var (
	// ErrDetached is returned when using a Request whose OBD2 instance
	// has been closed.
	ErrDetached = protocol.ErrDetached

	// ErrDuplicateRequest is returned by AddRequest when a request with
	// the same ECU, service, PID and formula already exists.
	ErrDuplicateRequest = errors.New("request with the specified parameters already exists")

	// ErrECUIDOutOfRange is returned for ECU ids outside 0x7E0..0x7E7.
	// The broadcast id 0x7DF is reserved for internal queries.
	ErrECUIDOutOfRange = errors.New("ecu id out of range 0x7E0..0x7E7")

	// ErrInvalidService is returned when a supported-PID query names a
	// service other than 0x01, 0x02 or 0x09.
	ErrInvalidService = errors.New("service must be 0x01, 0x02 or 0x09")
)
