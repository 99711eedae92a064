// Package protocol implements the background polling engine of the
// OBD-II client: a registry of deduplicated poll commands, a pool of
// ISO-TP endpoints, and a listener goroutine that sends each active
// command on every cycle and fans incoming frames back to the commands
// they answer.
package protocol

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anodyne74/obd2can/internal/transport"
)

const (
	msgMax = 1024

	sidNegative = 0x7F
	sidOffset   = 0x40
)

// Poll timing. A command that already missed a cycle is retried with a
// near-zero window so a dead ECU cannot stall the whole queue.
var (
	commandTimeout    = 1000 * time.Millisecond
	noResponseTimeout = time.Millisecond
	readRetryDelay    = time.Millisecond
)

// Protocol owns the socket pool, the command registry and the listener
// goroutine for one CAN interface.
type Protocol struct {
	dial      transport.Dialer
	refreshMS atomic.Uint32

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	// mu guards the command registry and the pending poll queue.
	mu       sync.Mutex
	commands map[*Command]transport.Conn
	pending  []*Command

	socketsMu sync.Mutex
	sockets   []transport.Conn

	cbMu      sync.Mutex
	refreshed func()
}

// New opens a Protocol on the named CAN interface and starts its
// listener.
func New(ifName string, refreshMS uint32) (*Protocol, error) {
	ifIndex, err := transport.InterfaceIndex(ifName)
	if err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	return NewWithDialer(transport.ISOTPDialer(ifIndex), refreshMS), nil
}

// NewWithDialer starts a Protocol over an arbitrary transport. Used by
// New and by tests.
func NewWithDialer(dial transport.Dialer, refreshMS uint32) *Protocol {
	p := &Protocol{
		dial:     dial,
		done:     make(chan struct{}),
		commands: make(map[*Command]transport.Conn),
	}
	p.refreshMS.Store(refreshMS)
	p.running.Store(true)

	p.wg.Add(1)
	go p.listen()

	return p
}

// SetRefreshMS changes the polling cadence, effective from the next
// cycle.
func (p *Protocol) SetRefreshMS(ms uint32) {
	p.refreshMS.Store(ms)
}

// SetRefreshedCallback registers a function invoked at the end of
// every poll cycle.
func (p *Protocol) SetRefreshedCallback(cb func()) {
	p.cbMu.Lock()
	p.refreshed = cb
	p.cbMu.Unlock()
}

// Command returns a command handle for the given identity, sharing an
// existing command when one with identical parameters is registered.
// One-shot commands (refresh false) are sent immediately; the caller
// observes the outcome through WaitForResponse.
func (p *Protocol) Command(txID, rxID uint32, sid byte, pids []uint16, refresh bool) (*Command, error) {
	pids = append([]uint16(nil), pids...)

	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return nil, ErrDetached
	}

	for c := range p.commands {
		if c.txID == txID && c.rxID == rxID && c.sid == sid && c.samePIDs(pids) {
			c.refs++
			p.mu.Unlock()
			return c, nil
		}
	}

	c := newCommand(p, txID, rxID, sid, pids, refresh)
	conn, err := p.getConn(txID, rxID)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	c.refs = 1
	p.commands[c] = conn
	if refresh {
		p.pending = append(p.pending, c)
	}
	p.mu.Unlock()

	if !refresh {
		p.processCommand(c, conn)
	}

	return c, nil
}

func (p *Protocol) release(c *Command) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.refs--
	if c.refs > 0 {
		return
	}
	p.removeLocked(c)
}

func (p *Protocol) removeLocked(c *Command) {
	delete(p.commands, c)
	for i, q := range p.pending {
		if q == c {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	c.detach()
}

func (p *Protocol) enqueue(c *Command) {
	p.mu.Lock()
	p.enqueueLocked(c)
	p.mu.Unlock()
}

func (p *Protocol) enqueueLocked(c *Command) {
	if _, ok := p.commands[c]; !ok {
		return
	}
	for _, q := range p.pending {
		if q == c {
			return
		}
	}
	p.pending = append(p.pending, c)
}

// getConn returns the pool's connection for a (tx, rx) pair, dialing
// it on first use. Callers hold the commands lock; the sockets lock
// nests inside it.
func (p *Protocol) getConn(txID, rxID uint32) (transport.Conn, error) {
	p.socketsMu.Lock()
	defer p.socketsMu.Unlock()

	for _, s := range p.sockets {
		if s.TxID() == txID && s.RxID() == rxID {
			return s, nil
		}
	}

	conn, err := p.dial(txID, rxID)
	if err != nil {
		return nil, err
	}
	p.sockets = append(p.sockets, conn)
	return conn, nil
}

func (p *Protocol) listen() {
	defer p.wg.Done()

	for p.running.Load() {
		tickStart := time.Now()

		p.processCommands()
		p.processSockets()

		p.cbMu.Lock()
		cb := p.refreshed
		p.cbMu.Unlock()
		if cb != nil {
			cb()
		}

		refresh := time.Duration(p.refreshMS.Load()) * time.Millisecond
		p.sleepUntil(tickStart.Add(refresh))
	}
}

func (p *Protocol) sleepUntil(deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
	}
}

// processCommands drains the polling queue once. Refresh commands are
// re-enqueued for the next cycle; a command that ended the cycle in
// Error leaves the rest of the queue untouched until the next tick.
func (p *Protocol) processCommands() {
	p.mu.Lock()
	queue := p.pending
	p.pending = nil
	p.mu.Unlock()

	var requeue, leftover []*Command

	for i, c := range queue {
		if !p.running.Load() {
			leftover = queue[i:]
			break
		}

		p.mu.Lock()
		conn := p.commands[c]
		p.mu.Unlock()
		if conn == nil {
			continue
		}

		p.processCommand(c, conn)

		if c.refresh.Load() {
			requeue = append(requeue, c)
		}
		if c.Status() == Error {
			leftover = queue[i+1:]
			break
		}
	}

	p.mu.Lock()
	for _, c := range leftover {
		p.enqueueLocked(c)
	}
	for _, c := range requeue {
		p.enqueueLocked(c)
	}
	p.mu.Unlock()
}

// processCommand sends one command and spins on its socket until a
// frame for it arrives or the window closes.
func (p *Protocol) processCommand(c *Command, conn transport.Conn) {
	c.responded.Store(false)
	conn.Send(c.canMsg())

	timeout := commandTimeout
	if c.Status() == NoResponse {
		timeout = noResponseTimeout
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		got := p.readConn(conn)
		if c.responded.Load() {
			return
		}
		if !got {
			time.Sleep(readRetryDelay)
		}
	}

	if !c.responded.Load() {
		c.setNoResponse()
	}
}

// processSockets drains every socket once, catching responses whose
// command was not the one being polled.
func (p *Protocol) processSockets() {
	p.socketsMu.Lock()
	conns := append([]transport.Conn(nil), p.sockets...)
	p.socketsMu.Unlock()

	for _, conn := range conns {
		for p.readConn(conn) {
		}
	}
}

func (p *Protocol) readConn(conn transport.Conn) bool {
	buf := make([]byte, msgMax)
	n := conn.Read(buf)
	if n == 0 {
		return false
	}
	p.dispatch(conn, buf[:n])
	return true
}

// dispatch classifies one incoming message and fans it out to every
// registered command it answers.
//
// First byte 0x7F marks a negative response carrying the rejected sid
// and the NRC; sids 0x43/0x47/0x4A carry DTC listings without a PID
// byte; everything else is a positive response echoing its PID.
func (p *Protocol) dispatch(conn transport.Conn, msg []byte) {
	if len(msg) == 0 {
		return
	}

	sid := msg[0]
	neg := sid == sidNegative
	var nrc byte
	if neg {
		if len(msg) < 3 {
			return
		}
		sid = msg[1] + sidOffset
		nrc = msg[2]
	}
	dtc := sid == 0x43 || sid == 0x47 || sid == 0x4A

	p.mu.Lock()
	defer p.mu.Unlock()

	for c, cc := range p.commands {
		if cc != conn || c.sid != sid-sidOffset {
			continue
		}
		if !neg && !dtc {
			if len(msg) < 2 || !c.ContainsPID(uint16(msg[1])) {
				continue
			}
		}

		if neg {
			c.setError(nrc)
		} else {
			// Keep the PID byte so chained responses stay parseable.
			c.updateBack(msg[1:])
		}
	}
}

// Close stops the listener, detaches every command and closes the
// socket pool. Held command and request handles report ErrDetached
// afterwards.
func (p *Protocol) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()

	p.mu.Lock()
	for c := range p.commands {
		c.detach()
	}
	p.commands = make(map[*Command]transport.Conn)
	p.pending = nil
	p.mu.Unlock()

	p.socketsMu.Lock()
	for _, s := range p.sockets {
		s.Close()
	}
	p.sockets = nil
	p.socketsMu.Unlock()
}
