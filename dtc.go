package obd2can

import "fmt"

// DTCCategory is the system a trouble code belongs to, encoded in the
// top two bits of the first code byte.
type DTCCategory byte

const (
	Powertrain DTCCategory = iota
	Chassis
	Body
	Network
)

func (c DTCCategory) String() string {
	switch c {
	case Powertrain:
		return "P"
	case Chassis:
		return "C"
	case Body:
		return "B"
	case Network:
		return "U"
	}
	return "X"
}

// DTCStatus distinguishes which DTC listing a code came from.
type DTCStatus int

const (
	Stored DTCStatus = iota
	Pending
	Permanent
)

func (s DTCStatus) String() string {
	switch s {
	case Stored:
		return "Stored"
	case Pending:
		return "Pending"
	case Permanent:
		return "Permanent"
	}
	return "Unknown"
}

// service maps a DTC status to the service that lists it.
func (s DTCStatus) service() byte {
	switch s {
	case Stored:
		return 0x03
	case Pending:
		return 0x07
	case Permanent:
		return 0x0A
	}
	return 0
}

// DTC is one diagnostic trouble code: a category, a 14-bit code and
// the listing it was read from.
type DTC struct {
	Category DTCCategory
	Code     uint16
	Status   DTCStatus
}

// newDTC decodes a code byte pair. The bytes arrive in order: the top
// two bits of the first byte carry the category, the remaining 14 bits
// the code.
func newDTC(hi, lo byte, status DTCStatus) DTC {
	return DTC{
		Category: DTCCategory(hi >> 6),
		Code:     uint16(hi&0x3F)<<8 | uint16(lo),
		Status:   status,
	}
}

// String renders the conventional form, e.g. "P0143".
func (d DTC) String() string {
	return fmt.Sprintf("%s%04X", d.Category, d.Code)
}
