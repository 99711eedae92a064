package obd2can

// IgnitionType is derived from the advertised service-01 PIDs: spark
// engines expose PID 0x08, compression engines PID 0x0B.
type IgnitionType int

const (
	IgnitionUnknown IgnitionType = iota
	IgnitionSpark
	IgnitionCompression
)

func (t IgnitionType) String() string {
	switch t {
	case IgnitionSpark:
		return "Spark"
	case IgnitionCompression:
		return "Compression"
	}
	return "Unknown"
}

// VehicleInfo holds the identity data gathered when a connection is
// first established.
type VehicleInfo struct {
	VIN      string
	Ignition IgnitionType
}
