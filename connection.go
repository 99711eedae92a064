package obd2can

import (
	"fmt"
	"sync"

	"github.com/anodyne74/obd2can/internal/protocol"
)

// oneShot issues a single command, waits for its outcome and returns
// the buffered response.
func (o *OBD2) oneShot(ecuID uint32, sid byte, pids []uint16) ([]byte, protocol.Status, error) {
	cmd, err := o.proto.Command(ecuID, ecuID+ecuIDResponseOffset, sid, pids, false)
	if err != nil {
		return nil, protocol.NoResponse, err
	}
	defer cmd.Release()

	st := cmd.WaitForResponse(protocol.DefaultWaitTimeout, protocol.DefaultWaitSample)
	buf := append([]byte(nil), cmd.Buffer()...)
	return buf, st, nil
}

// IsConnectionActive probes the primary ECU with a service-01 PID-0x00
// query. On failure the cached vehicle info and ECU map are cleared;
// on the first success after a cold start the standard ECUs and the
// vehicle identity are discovered.
func (o *OBD2) IsConnectionActive() bool {
	_, st, err := o.oneShot(ECUIDFirst, 0x01, []uint16{0x00})
	if err != nil || st != protocol.OK {
		o.ecuMu.Lock()
		o.ecus = make(map[uint32]*ECU)
		o.vehicle = VehicleInfo{}
		o.ecuMu.Unlock()
		return false
	}

	o.ecuMu.Lock()
	discovered := len(o.ecus) > 0
	o.ecuMu.Unlock()

	if !discovered {
		o.queryStandardECUs()
		o.queryVehicleInfo()
	}
	return true
}

// GetECUs returns the ECUs that answered discovery, refreshing the
// cache if the connection was re-established.
func (o *OBD2) GetECUs() []*ECU {
	o.IsConnectionActive()

	o.ecuMu.Lock()
	defer o.ecuMu.Unlock()

	list := make([]*ECU, 0, len(o.ecus))
	for _, e := range o.ecus {
		list = append(list, e)
	}
	return list
}

// GetVehicleInfo returns the cached VIN and ignition type, querying
// them when a connection is freshly established.
func (o *OBD2) GetVehicleInfo() VehicleInfo {
	o.IsConnectionActive()

	o.ecuMu.Lock()
	defer o.ecuMu.Unlock()
	return o.vehicle
}

// queryStandardECUs probes every physical request id in parallel and
// records the ECUs that respond. Per-ECU failures only leave that ECU
// out of the map.
func (o *OBD2) queryStandardECUs() {
	var wg sync.WaitGroup
	results := make([]*ECU, ECUIDLast-ECUIDFirst+1)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.queryECU(ECUIDFirst+uint32(i), 0x09)
		}(i)
	}
	wg.Wait()

	o.ecuMu.Lock()
	defer o.ecuMu.Unlock()
	for _, e := range results {
		if e == nil || e.id == 0 {
			continue
		}
		o.ecus[e.id] = e
	}
}

// queryECU collects an ECU's supported-PID lists and, when advertised,
// its name. A nil result means the ECU did not answer.
func (o *OBD2) queryECU(ecuID uint32, queryService byte) *ECU {
	pids := o.fetchSupportedPIDs(ecuID, queryService)
	if len(pids) == 0 {
		return nil
	}

	var pidsBak []byte
	if queryService != 0x09 {
		pidsBak = pids
		pids = o.fetchSupportedPIDs(ecuID, 0x09)
	}

	var name string
	if containsPID(pids, 0x0A) {
		if buf, st, err := o.oneShot(ecuID, 0x09, []uint16{0x0A}); err == nil && st == protocol.OK && len(buf) > 1 {
			name = cString(buf[1:])
		}
	}

	e := newECU(ecuID, name)
	if queryService != 0x01 {
		e.addSupportedPIDs(0x01, o.fetchSupportedPIDs(ecuID, 0x01))
	}
	if queryService != 0x02 {
		e.addSupportedPIDs(0x02, o.fetchSupportedPIDs(ecuID, 0x02))
	}
	e.addSupportedPIDs(0x09, pids)
	if queryService != 0x09 {
		e.addSupportedPIDs(queryService, pidsBak)
	}
	return e
}

// queryVehicleInfo reads the VIN (service 09 PID 02) and derives the
// ignition type from the advertised service-01 PIDs: 0x08 marks spark,
// 0x0B compression ignition.
func (o *OBD2) queryVehicleInfo() {
	v := VehicleInfo{VIN: "Unknown", Ignition: IgnitionUnknown}

	pids09, _ := o.GetSupportedPIDs(ECUIDFirst, 0x09)
	if containsPID(pids09, 0x02) {
		if buf, st, err := o.oneShot(ECUIDFirst, 0x09, []uint16{0x02}); err == nil && st == protocol.OK && len(buf) > 1 {
			v.VIN = cString(buf[1:])
		}
	}

	pids01, _ := o.GetSupportedPIDs(ECUIDFirst, 0x01)
	if containsPID(pids01, 0x08) {
		v.Ignition = IgnitionSpark
	} else if containsPID(pids01, 0x0B) {
		v.Ignition = IgnitionCompression
	}

	o.ecuMu.Lock()
	o.vehicle = v
	o.ecuMu.Unlock()
}

// GetSupportedPIDs returns the PIDs an ECU advertises for service
// 0x01, 0x02 or 0x09, preferring the discovery cache and querying the
// bus on a miss.
func (o *OBD2) GetSupportedPIDs(ecuID uint32, service byte) ([]byte, error) {
	if service != 0x01 && service != 0x02 && service != 0x09 {
		return nil, fmt.Errorf("supported pids: %w", ErrInvalidService)
	}
	if ecuID < ECUIDFirst || ecuID > ECUIDLast {
		return nil, fmt.Errorf("supported pids 0x%03X: %w", ecuID, ErrECUIDOutOfRange)
	}

	o.ecuMu.Lock()
	e := o.ecus[ecuID]
	o.ecuMu.Unlock()

	if e == nil {
		e = o.queryECU(ecuID, service)
		if e == nil {
			return nil, nil
		}
		o.ecuMu.Lock()
		o.ecus[ecuID] = e
		o.ecuMu.Unlock()
	}

	o.ecuMu.Lock()
	pids := append([]byte(nil), e.SupportedPIDs(service)...)
	o.ecuMu.Unlock()
	if len(pids) > 0 {
		return pids, nil
	}

	pids = o.fetchSupportedPIDs(ecuID, service)

	o.ecuMu.Lock()
	e.addSupportedPIDs(service, pids)
	o.ecuMu.Unlock()

	return append([]byte(nil), pids...), nil
}

// PIDSupported reports whether one PID appears in the ECU's advertised
// list for a service.
func (o *OBD2) PIDSupported(ecuID uint32, service byte, pid uint16) (bool, error) {
	pids, err := o.GetSupportedPIDs(ecuID, service)
	if err != nil {
		return false, err
	}
	return pid <= 0xFF && containsPID(pids, byte(pid)), nil
}

// fetchSupportedPIDs iterates the supported-PID ranges (0x00, 0x20,
// ...), stopping after at most eight ranges, when a range returns
// empty, or when the last advertised PID is not the next range
// boundary.
func (o *OBD2) fetchSupportedPIDs(ecuID uint32, service byte) []byte {
	var pids []byte

	for rng := 0; rng < 8; rng++ {
		inRange := o.supportedPIDRange(ecuID, service, byte(rng*pidSupportRange))
		pids = append(pids, inRange...)

		if len(inRange) == 0 {
			break
		}
		if int(pids[len(pids)-1]) != (rng+1)*pidSupportRange {
			break
		}
	}

	return pids
}

func (o *OBD2) supportedPIDRange(ecuID uint32, service byte, pidOffset byte) []byte {
	buf, st, err := o.oneShot(ecuID, service, []uint16{uint16(pidOffset)})
	if err != nil || st != protocol.OK || len(buf) < 2 {
		return nil
	}
	return decodePIDsSupported(buf[1:], pidOffset)
}

// decodePIDsSupported expands a support bitmap: within each byte the
// bits run MSB to LSB for PIDs offset+1 through offset+8.
func decodePIDsSupported(data []byte, pidOffset byte) []byte {
	var pids []byte
	pid := int(pidOffset)

	for _, b := range data {
		for bit := 7; bit >= 0; bit-- {
			pid++
			if b&(1<<uint(bit)) != 0 {
				pids = append(pids, byte(pid))
			}
		}
	}

	return pids
}

// GetDTCs reads the stored, pending and permanent trouble code
// listings from one ECU.
func (o *OBD2) GetDTCs(ecuID uint32) ([]DTC, error) {
	if ecuID < ECUIDFirst || ecuID > ECUIDLast {
		return nil, fmt.Errorf("dtcs 0x%03X: %w", ecuID, ErrECUIDOutOfRange)
	}

	var dtcs []DTC
	for _, status := range []DTCStatus{Stored, Pending, Permanent} {
		buf, st, err := o.oneShot(ecuID, status.service(), nil)
		if err != nil {
			return nil, err
		}
		if st != protocol.OK || len(buf) < 2 {
			continue
		}
		dtcs = append(dtcs, decodeDTCs(buf, status)...)
	}
	return dtcs, nil
}

// decodeDTCs walks a listing two bytes at a time, skipping the all-zero
// filler pairs ECUs pad their answers with.
func decodeDTCs(data []byte, status DTCStatus) []DTC {
	var dtcs []DTC
	for i := 0; i+1 < len(data); i += 2 {
		hi, lo := data[i], data[i+1]
		if hi == 0 && lo == 0 {
			continue
		}
		dtcs = append(dtcs, newDTC(hi, lo, status))
	}
	return dtcs
}

// ClearDTCs sends the service-04 clear command. ECUs do not reliably
// answer it, so the outcome is not checked.
func (o *OBD2) ClearDTCs(ecuID uint32) error {
	if ecuID < ECUIDFirst || ecuID > ECUIDLast {
		return fmt.Errorf("clear dtcs 0x%03X: %w", ecuID, ErrECUIDOutOfRange)
	}

	_, _, err := o.oneShot(ecuID, 0x04, nil)
	return err
}

func containsPID(pids []byte, pid byte) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}

// cString cuts a byte string at its first NUL.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
