package obd2can

import (
	"bytes"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/anodyne74/obd2can/internal/transport"
)

// fakeECUConn is an in-memory ISO-TP endpoint whose respond function
// plays the ECU side of the link.
type fakeECUConn struct {
	tx, rx  uint32
	respond func(txID uint32, msg []byte) [][]byte

	mu    sync.Mutex
	sent  [][]byte
	inbox [][]byte
}

func (f *fakeECUConn) TxID() uint32 { return f.tx }
func (f *fakeECUConn) RxID() uint32 { return f.rx }

func (f *fakeECUConn) Send(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), msg...))
	if f.respond != nil {
		f.inbox = append(f.inbox, f.respond(f.tx, msg)...)
	}
}

func (f *fakeECUConn) Read(buf []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return 0
	}
	msg := f.inbox[0]
	f.inbox = f.inbox[1:]
	copy(buf, msg)
	return len(msg)
}

func (f *fakeECUConn) Close() error { return nil }

func (f *fakeECUConn) requests() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeBus struct {
	respond func(txID uint32, msg []byte) [][]byte

	mu    sync.Mutex
	conns map[uint64]*fakeECUConn
}

func newFakeBus(respond func(txID uint32, msg []byte) [][]byte) *fakeBus {
	return &fakeBus{respond: respond, conns: make(map[uint64]*fakeECUConn)}
}

func (b *fakeBus) dialer() transport.Dialer {
	return func(txID, rxID uint32) (transport.Conn, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		key := uint64(txID)<<32 | uint64(rxID)
		if c, ok := b.conns[key]; ok {
			return c, nil
		}
		c := &fakeECUConn{tx: txID, rx: rxID, respond: b.respond}
		b.conns[key] = c
		return c, nil
	}
}

func (b *fakeBus) conn(txID uint32) *fakeECUConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[uint64(txID)<<32|uint64(txID+0x08)]
}

// nrc builds a negative response for a request.
func nrc(msg []byte, code byte) [][]byte {
	return [][]byte{{0x7F, msg[0], code}}
}

// waitValue polls a request until its value is a real number.
func waitValue(t *testing.T, r *Request, timeout time.Duration) float64 {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		v, err := r.Value()
		if err != nil {
			t.Fatalf("Value failed: %v", err)
		}
		if !math.IsNaN(v) {
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a value")
	return 0
}

func TestSingleLivePID(t *testing.T) {
	bus := newFakeBus(func(txID uint32, msg []byte) [][]byte {
		if txID == ECUIDFirst && bytes.Equal(msg, []byte{0x01, 0x0C}) {
			return [][]byte{{0x41, 0x0C, 0x1A, 0xF8}}
		}
		return nrc(msg, 0x31)
	})

	o := newWithDialer(bus.dialer(), 10, false)
	defer o.Close()

	r, err := o.AddRequest(ECUIDFirst, 0x01, 0x0C, "(a*256+b)/4", true)
	if err != nil {
		t.Fatalf("AddRequest failed: %v", err)
	}

	if v := waitValue(t, r, time.Second); v != 1726.0 {
		t.Errorf("Value() = %v, want 1726", v)
	}

	raw, err := r.Raw()
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	if !bytes.Equal(raw, []byte{0x1A, 0xF8}) {
		t.Errorf("Raw() = % X, want 1A F8", raw)
	}

	reqs := bus.conn(ECUIDFirst).requests()
	if len(reqs) == 0 || !bytes.Equal(reqs[0], []byte{0x01, 0x0C}) {
		t.Errorf("outgoing frame = % X, want 01 0C", reqs)
	}
}

func TestNegativeResponseYieldsNaN(t *testing.T) {
	bus := newFakeBus(func(txID uint32, msg []byte) [][]byte {
		return nrc(msg, 0x31)
	})

	o := newWithDialer(bus.dialer(), 10, false)
	defer o.Close()

	r, err := o.AddRequest(ECUIDFirst, 0x01, 0x0C, "(a*256+b)/4", true)
	if err != nil {
		t.Fatalf("AddRequest failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	v, err := r.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if !math.IsNaN(v) {
		t.Errorf("Value() = %v, want NaN", v)
	}

	raw, err := r.Raw()
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	if len(raw) != 0 {
		t.Errorf("Raw() = % X, want empty", raw)
	}
}

func TestPIDChaining(t *testing.T) {
	bus := newFakeBus(func(txID uint32, msg []byte) [][]byte {
		switch {
		case bytes.Equal(msg, []byte{0x01, 0x0C}):
			return [][]byte{{0x41, 0x0C, 0x1A, 0xF8}}
		case bytes.Equal(msg, []byte{0x01, 0x0C, 0x0D}):
			return [][]byte{{0x41, 0x0C, 0x1A, 0xF8, 0x0D, 0x37}}
		}
		return nrc(msg, 0x31)
	})

	o := newWithDialer(bus.dialer(), 10, true)
	defer o.Close()

	rpm, err := o.AddRequest(ECUIDFirst, 0x01, 0x0C, "(a*256+b)/4", true)
	if err != nil {
		t.Fatalf("AddRequest rpm failed: %v", err)
	}
	speed, err := o.AddRequest(ECUIDFirst, 0x01, 0x0D, "a", true)
	if err != nil {
		t.Fatalf("AddRequest speed failed: %v", err)
	}

	o.mu.Lock()
	combos := len(o.combinations)
	o.mu.Unlock()
	if combos != 1 {
		t.Fatalf("combinations = %d, want 1 (chained)", combos)
	}

	if v := waitValue(t, speed, time.Second); v != float64(0x37) {
		t.Errorf("speed = %v, want %d", v, 0x37)
	}
	if v := waitValue(t, rpm, time.Second); v != 1726.0 {
		t.Errorf("rpm = %v, want 1726", v)
	}

	raw, err := rpm.Raw()
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	if !bytes.Equal(raw, []byte{0x1A, 0xF8}) {
		t.Errorf("rpm raw = % X, want 1A F8", raw)
	}
	raw, err = speed.Raw()
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	if !bytes.Equal(raw, []byte{0x37}) {
		t.Errorf("speed raw = % X, want 37", raw)
	}

	// The chained frame eventually goes on the bus.
	found := false
	for _, req := range bus.conn(ECUIDFirst).requests() {
		if bytes.Equal(req, []byte{0x01, 0x0C, 0x0D}) {
			found = true
			break
		}
	}
	if !found {
		t.Error("chained frame 01 0C 0D never sent")
	}
}

func TestChainingDisabledKeepsCombinationsApart(t *testing.T) {
	bus := newFakeBus(func(txID uint32, msg []byte) [][]byte {
		if msg[0] == 0x01 && len(msg) == 2 {
			return [][]byte{{0x41, msg[1], 0x00}}
		}
		return nrc(msg, 0x31)
	})

	o := newWithDialer(bus.dialer(), 10, false)
	defer o.Close()

	if _, err := o.AddRequest(ECUIDFirst, 0x01, 0x0C, "a", true); err != nil {
		t.Fatalf("AddRequest failed: %v", err)
	}
	if _, err := o.AddRequest(ECUIDFirst, 0x01, 0x0D, "a", true); err != nil {
		t.Fatalf("AddRequest failed: %v", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.combinations) != 2 {
		t.Errorf("combinations = %d, want 2", len(o.combinations))
	}
	for _, c := range o.combinations {
		if n := c.pidCount(); n != 1 {
			t.Errorf("combination holds %d PIDs, want 1", n)
		}
	}
}

func TestAddRequestValidation(t *testing.T) {
	bus := newFakeBus(func(txID uint32, msg []byte) [][]byte {
		return nrc(msg, 0x31)
	})
	o := newWithDialer(bus.dialer(), 50, false)
	defer o.Close()

	if _, err := o.AddRequest(ECUIDBroadcast, 0x01, 0x0C, "a", true); !errors.Is(err, ErrECUIDOutOfRange) {
		t.Errorf("broadcast id error = %v, want ErrECUIDOutOfRange", err)
	}
	if _, err := o.AddRequest(0x123, 0x01, 0x0C, "a", true); !errors.Is(err, ErrECUIDOutOfRange) {
		t.Errorf("low id error = %v, want ErrECUIDOutOfRange", err)
	}
	if _, err := o.AddRequest(ECUIDFirst, 0x01, 0x0C, "a+(", true); err == nil {
		t.Error("invalid formula accepted")
	}

	if _, err := o.AddRequest(ECUIDFirst, 0x01, 0x0C, "a", true); err != nil {
		t.Fatalf("AddRequest failed: %v", err)
	}
	if _, err := o.AddRequest(ECUIDFirst, 0x01, 0x0C, "a", true); !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("duplicate error = %v, want ErrDuplicateRequest", err)
	}
	// Same tuple with a different formula is a distinct request.
	if _, err := o.AddRequest(ECUIDFirst, 0x01, 0x0C, "a*2", true); err != nil {
		t.Errorf("distinct formula rejected: %v", err)
	}
}

func TestAddRemoveLeavesNoTrace(t *testing.T) {
	bus := newFakeBus(func(txID uint32, msg []byte) [][]byte {
		return nrc(msg, 0x31)
	})
	o := newWithDialer(bus.dialer(), 50, false)
	defer o.Close()

	r, err := o.AddRequest(ECUIDFirst, 0x01, 0x0C, "a", true)
	if err != nil {
		t.Fatalf("AddRequest failed: %v", err)
	}

	if err := o.RemoveRequest(r); err != nil {
		t.Fatalf("RemoveRequest failed: %v", err)
	}

	o.mu.Lock()
	combos, tracked := len(o.combinations), len(o.byRequest)
	o.mu.Unlock()
	if combos != 0 || tracked != 0 {
		t.Errorf("combinations=%d requests=%d after removal, want 0/0", combos, tracked)
	}

	if _, err := r.Value(); !errors.Is(err, ErrDetached) {
		t.Errorf("Value on removed request = %v, want ErrDetached", err)
	}

	// The identity is free again.
	if _, err := o.AddRequest(ECUIDFirst, 0x01, 0x0C, "a", true); err != nil {
		t.Errorf("re-adding removed request failed: %v", err)
	}
}

func TestEmptyFormulaRawMode(t *testing.T) {
	bus := newFakeBus(func(txID uint32, msg []byte) [][]byte {
		if bytes.Equal(msg, []byte{0x01, 0x0C}) {
			return [][]byte{{0x41, 0x0C, 0x1A, 0xF8}}
		}
		return nrc(msg, 0x31)
	})
	o := newWithDialer(bus.dialer(), 10, false)
	defer o.Close()

	r, err := o.AddRequest(ECUIDFirst, 0x01, 0x0C, "", true)
	if err != nil {
		t.Fatalf("AddRequest failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	var raw []byte
	for time.Now().Before(deadline) {
		raw, err = r.Raw()
		if err != nil {
			t.Fatalf("Raw failed: %v", err)
		}
		if len(raw) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !bytes.Equal(raw, []byte{0x1A, 0xF8}) {
		t.Fatalf("Raw() = % X, want 1A F8", raw)
	}

	// A non-empty payload under the constant-zero tree decodes to 0.
	v, err := r.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if v != 0 {
		t.Errorf("Value() = %v, want 0", v)
	}
}

func TestStoppedRequestKeepsFirstPayload(t *testing.T) {
	var mu sync.Mutex
	rpm := byte(0x10)
	bus := newFakeBus(func(txID uint32, msg []byte) [][]byte {
		if bytes.Equal(msg, []byte{0x01, 0x0C}) {
			mu.Lock()
			rpm++
			v := rpm
			mu.Unlock()
			return [][]byte{{0x41, 0x0C, v}}
		}
		return nrc(msg, 0x31)
	})

	o := newWithDialer(bus.dialer(), 10, false)
	defer o.Close()

	r, err := o.AddRequest(ECUIDFirst, 0x01, 0x0C, "a", true)
	if err != nil {
		t.Fatalf("AddRequest failed: %v", err)
	}
	waitValue(t, r, time.Second)

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	first, err := r.Raw()
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("no payload after stop")
	}

	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		again, err := r.Raw()
		if err != nil {
			t.Fatalf("Raw failed: %v", err)
		}
		if !bytes.Equal(again, first) {
			t.Fatalf("stopped request payload changed: % X -> % X", first, again)
		}
	}
}
