package obd2can

import (
	"math"
	"sync"

	"github.com/anodyne74/obd2can/internal/mathexpr"
)

// Request is the user-facing handle for one data point: an (ECU,
// service, PID) tuple plus a decoding formula. Its value is refreshed
// in the background while the request is running; Value and Raw return
// the most recent decode.
type Request struct {
	parentMu sync.Mutex
	parent   *OBD2

	ecuID      uint32
	service    byte
	pid        uint16
	formulaStr string
	formula    *mathexpr.Expr

	mu        sync.Mutex
	lastRaw   []byte
	lastValue float64
	refresh   bool
}

func (r *Request) ECUID() uint32   { return r.ecuID }
func (r *Request) Service() byte   { return r.service }
func (r *Request) PID() uint16     { return r.pid }
func (r *Request) Formula() string { return r.formulaStr }

// Refresh reports whether the request is currently polled.
func (r *Request) Refresh() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refresh
}

// expectedSize is the number of payload bytes the formula consumes,
// used to walk chained responses.
func (r *Request) expectedSize() int {
	return r.formula.MaxVarIndex() + 1
}

func (r *Request) getParent() (*OBD2, error) {
	r.parentMu.Lock()
	defer r.parentMu.Unlock()
	if r.parent == nil {
		return nil, ErrDetached
	}
	return r.parent, nil
}

func (r *Request) detach() {
	r.parentMu.Lock()
	r.parent = nil
	r.parentMu.Unlock()
}

// Stop pauses background polling for this request. Other requests on
// the same combination keep their command alive.
func (r *Request) Stop() error {
	p, err := r.getParent()
	if err != nil {
		return err
	}
	return p.stopRequest(r)
}

// Resume restarts background polling.
func (r *Request) Resume() error {
	p, err := r.getParent()
	if err != nil {
		return err
	}
	return p.resumeRequest(r)
}

// Value fetches the current raw payload and evaluates the formula over
// it. It returns NaN when no payload is available (timeout or negative
// response). For a stopped request the first successful payload is
// cached and re-evaluated on every call.
func (r *Request) Value() (float64, error) {
	if err := r.fetch(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.lastRaw) == 0 {
		r.lastValue = math.NaN()
	} else {
		r.lastValue = r.formula.Eval(r.lastRaw)
	}
	return r.lastValue, nil
}

// Raw fetches and returns the current payload bytes, excluding the
// echoed PID byte. Empty means no response is available.
func (r *Request) Raw() ([]byte, error) {
	if err := r.fetch(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.lastRaw...), nil
}

// fetch refreshes the cached payload from the facade. A non-refresh
// request keeps its first non-empty payload.
func (r *Request) fetch() error {
	p, err := r.getParent()
	if err != nil {
		return err
	}

	r.mu.Lock()
	needs := r.refresh || len(r.lastRaw) == 0
	r.mu.Unlock()
	if !needs {
		return nil
	}

	data := p.getData(r)

	r.mu.Lock()
	r.lastRaw = data
	r.mu.Unlock()
	return nil
}
