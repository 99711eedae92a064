// Package obd2can is an asynchronous OBD-II / UDS client for
// ISO-TP-capable CAN interfaces. Callers declare requests for ECU data
// points as (ECU id, service, PID) tuples with an optional decoding
// formula and read a continuously refreshed value; the library owns
// the polling cadence, the ISO-TP endpoints, request deduplication and
// PID chaining, negative-response handling and the standard queries
// for supported PIDs, DTCs, the VIN and ECU discovery.
package obd2can

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/anodyne74/obd2can/internal/mathexpr"
	"github.com/anodyne74/obd2can/internal/protocol"
	"github.com/anodyne74/obd2can/internal/transport"
)

// Standard OBD-II addressing.
const (
	ECUIDBroadcast uint32 = 0x7DF
	ECUIDFirst     uint32 = 0x7E0
	ECUIDLast      uint32 = 0x7E7

	ecuIDResponseOffset uint32 = 0x08

	pidSupportRange = 0x20
)

// OBD2 is the top-level client for one CAN interface.
type OBD2 struct {
	proto *protocol.Protocol

	enableChaining atomic.Bool

	// mu guards the request/combination bookkeeping.
	mu           sync.Mutex
	combinations []*requestCombination
	byRequest    map[*Request]*requestCombination

	// ecuMu guards the discovery caches.
	ecuMu   sync.Mutex
	ecus    map[uint32]*ECU
	vehicle VehicleInfo
}

// New opens an OBD2 client on a CAN interface such as "can0". The
// refresh period applies to all recurring requests; PID chaining packs
// up to six service 01/02 PIDs into one frame when enabled.
func New(ifName string, refreshMS uint32, enablePIDChaining bool) (*OBD2, error) {
	proto, err := protocol.New(ifName, refreshMS)
	if err != nil {
		return nil, fmt.Errorf("obd2: %w", err)
	}
	return newFacade(proto, enablePIDChaining), nil
}

// newWithDialer wires the client over an arbitrary transport; tests
// use it with in-memory connections.
func newWithDialer(dial transport.Dialer, refreshMS uint32, enablePIDChaining bool) *OBD2 {
	return newFacade(protocol.NewWithDialer(dial, refreshMS), enablePIDChaining)
}

func newFacade(proto *protocol.Protocol, enablePIDChaining bool) *OBD2 {
	o := &OBD2{
		proto:     proto,
		byRequest: make(map[*Request]*requestCombination),
		ecus:      make(map[uint32]*ECU),
	}
	o.enableChaining.Store(enablePIDChaining)
	return o
}

// Close stops background polling and detaches every outstanding
// request. Detached requests report ErrDetached on use.
func (o *OBD2) Close() {
	o.mu.Lock()
	for r := range o.byRequest {
		r.detach()
	}
	o.byRequest = make(map[*Request]*requestCombination)
	o.combinations = nil
	o.mu.Unlock()

	o.proto.Close()
}

// SetRefreshMS changes the polling period.
func (o *OBD2) SetRefreshMS(ms uint32) {
	o.proto.SetRefreshMS(ms)
}

// SetEnablePIDChaining toggles chaining for combinations selected from
// now on; existing combinations are unaffected.
func (o *OBD2) SetEnablePIDChaining(enable bool) {
	o.enableChaining.Store(enable)
}

// SetRefreshedCallback registers a function invoked after every poll
// cycle, once all recurring requests have been serviced.
func (o *OBD2) SetRefreshedCallback(cb func()) {
	o.proto.SetRefreshedCallback(cb)
}

// AddRequest registers a data point. The ECU id must be a physical
// request id in 0x7E0..0x7E7; the formula may be empty for raw-only
// access; refresh selects background polling versus one-shot reads.
func (o *OBD2) AddRequest(ecuID uint32, service byte, pid uint16, formula string, refresh bool) (*Request, error) {
	if ecuID < ECUIDFirst || ecuID > ECUIDLast {
		return nil, fmt.Errorf("request 0x%03X: %w", ecuID, ErrECUIDOutOfRange)
	}

	expr, err := mathexpr.Parse(formula)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for existing := range o.byRequest {
		if existing.ecuID == ecuID && existing.service == service &&
			existing.pid == pid && existing.formulaStr == formula {
			return nil, ErrDuplicateRequest
		}
	}

	allowChain := refresh && formula != "" && o.enableChaining.Load()

	comb, err := o.getCombinationLocked(ecuID, service, pid, allowChain)
	if err != nil {
		return nil, err
	}

	r := &Request{
		parent:     o,
		ecuID:      ecuID,
		service:    service,
		pid:        pid,
		formulaStr: formula,
		formula:    expr,
		refresh:    refresh,
	}
	comb.addRequest(r)
	o.byRequest[r] = comb

	return r, nil
}

// getCombinationLocked finds the combination that already polls the
// PID, an open chainable combination with room for it, or creates a
// fresh one. Chaining applies to services 0x01 and 0x02 only.
func (o *OBD2) getCombinationLocked(ecuID uint32, service byte, pid uint16, allowChain bool) (*requestCombination, error) {
	for _, c := range o.combinations {
		if c.cmd.TxID() == ecuID && c.cmd.SID() == service && c.containsPID(pid) {
			return c, nil
		}
	}

	if allowChain && (service == 0x01 || service == 0x02) {
		for _, c := range o.combinations {
			if c.cmd.TxID() != ecuID || c.cmd.SID() != service {
				continue
			}
			if !c.allowPIDChain {
				continue
			}
			if c.pidCount() >= maxChainedPIDs && !c.containsPID(pid) {
				continue
			}
			return c, nil
		}
	}

	cmd, err := o.proto.Command(ecuID, ecuID+ecuIDResponseOffset, service, []uint16{pid}, true)
	if err != nil {
		return nil, err
	}

	c := &requestCombination{
		cmd:           cmd,
		allowPIDChain: allowChain && (service == 0x01 || service == 0x02),
	}
	o.combinations = append(o.combinations, c)
	return c, nil
}

// RemoveRequest stops a request and detaches it. The combination is
// disposed when its last request leaves.
func (o *OBD2) RemoveRequest(r *Request) error {
	if err := o.stopRequest(r); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	comb, ok := o.byRequest[r]
	if !ok {
		return ErrDetached
	}
	delete(o.byRequest, r)

	if comb.removeRequest(r) {
		comb.cmd.Release()
		for i, c := range o.combinations {
			if c == comb {
				o.combinations = append(o.combinations[:i], o.combinations[i+1:]...)
				break
			}
		}
	}

	r.detach()
	return nil
}

func (o *OBD2) stopRequest(r *Request) error {
	r.mu.Lock()
	if !r.refresh {
		r.mu.Unlock()
		return nil
	}
	r.refresh = false
	r.mu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	comb, ok := o.byRequest[r]
	if !ok {
		return ErrDetached
	}
	return comb.requestStopped()
}

func (o *OBD2) resumeRequest(r *Request) error {
	r.mu.Lock()
	if r.refresh {
		r.mu.Unlock()
		return nil
	}
	r.refresh = true
	r.mu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	comb, ok := o.byRequest[r]
	if !ok {
		return ErrDetached
	}
	return comb.requestResumed()
}

// getData extracts a request's payload from its combination's response
// buffer: empty on error status, the buffer minus the echoed PID byte
// for single-PID commands, or the request's slice of a chained
// response.
func (o *OBD2) getData(r *Request) []byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	comb, ok := o.byRequest[r]
	if !ok {
		return nil
	}

	if comb.cmd.Status() == protocol.Error {
		return nil
	}

	data := comb.cmd.Buffer()
	if len(data) == 0 {
		return nil
	}

	if comb.pidCount() == 1 {
		return append([]byte(nil), data[1:]...)
	}

	for i := 0; i < len(data); {
		if uint16(data[i]) != r.pid {
			i += comb.varCount(uint16(data[i])) + 1
			continue
		}

		start := i + 1
		end := start + r.expectedSize()
		if end > len(data) {
			end = len(data)
		}
		return append([]byte(nil), data[start:end]...)
	}

	return nil
}
