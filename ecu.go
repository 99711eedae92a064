package obd2can

// ECU describes one control unit discovered on the bus: its request id,
// the optional name advertised via service 0x09 PID 0x0A, and the
// supported-PID lists per service.
type ECU struct {
	id            uint32
	name          string
	supportedPIDs map[byte][]byte
}

func newECU(id uint32, name string) *ECU {
	return &ECU{
		id:            id,
		name:          name,
		supportedPIDs: make(map[byte][]byte),
	}
}

func (e *ECU) ID() uint32 {
	return e.id
}

func (e *ECU) Name() string {
	return e.name
}

// SupportedPIDs returns the cached PID list for a service, or nil when
// the service has not been queried.
func (e *ECU) SupportedPIDs(service byte) []byte {
	return e.supportedPIDs[service]
}

func (e *ECU) addSupportedPIDs(service byte, pids []byte) {
	e.supportedPIDs[service] = pids
}
