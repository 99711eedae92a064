// Package sim emulates OBD-II ECUs on a raw CAN interface so the
// client library can be exercised on a vcan bench without hardware.
// It answers service 01/02 live-data polls (including chained PIDs),
// supported-PID bitmaps, DTC listings, clear-DTC commands and the
// service-09 VIN and ECU-name queries, speaking single-frame ISO-TP
// with first/consecutive-frame segmentation for long answers.
package sim

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-daq/canbus"
)

const (
	idBroadcast = 0x7DF
	idRespOff   = 0x08

	sidNegative = 0x7F

	nrcServiceNotSupported = 0x11
	nrcOutOfRange          = 0x31
)

// ECU is one simulated control unit.
type ECU struct {
	ID   uint32
	Name string
	VIN  string

	mu sync.Mutex
	// live holds service-01 payloads per PID; service 02 mirrors them
	// as frozen values.
	live map[byte][]byte

	stored    [][2]byte
	pending   [][2]byte
	permanent [][2]byte
}

// NewECU creates an ECU with no data points.
func NewECU(id uint32, name string) *ECU {
	return &ECU{ID: id, Name: name, live: make(map[byte][]byte)}
}

// DefaultEngineECU is a spark-ignition engine controller with the
// common live-data PIDs and one stored trouble code.
func DefaultEngineECU(vin string) *ECU {
	e := NewECU(0x7E0, "ECM")
	e.VIN = vin
	e.SetLive(0x05, []byte{0x7D})       // coolant temperature
	e.SetLive(0x08, []byte{0x00})       // spark ignition marker
	e.SetLive(0x0C, []byte{0x0C, 0x80}) // engine RPM
	e.SetLive(0x0D, []byte{0x00})       // vehicle speed
	e.SetLive(0x11, []byte{0x20})       // throttle position
	e.AddDTC(0x01, 0x43, 0x03)          // P0143, stored
	return e
}

// SetLive installs or replaces the payload for a service-01 PID.
func (e *ECU) SetLive(pid byte, payload []byte) {
	e.mu.Lock()
	e.live[pid] = append([]byte(nil), payload...)
	e.mu.Unlock()
}

// AddDTC appends a trouble code pair to the listing for a service
// (0x03 stored, 0x07 pending, 0x0A permanent).
func (e *ECU) AddDTC(hi, lo, service byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch service {
	case 0x03:
		e.stored = append(e.stored, [2]byte{hi, lo})
	case 0x07:
		e.pending = append(e.pending, [2]byte{hi, lo})
	case 0x0A:
		e.permanent = append(e.permanent, [2]byte{hi, lo})
	}
}

// Jitter re-randomizes the dynamic values: RPM 800..3000, speed
// 0..119 km/h and coolant temperature 80..95 °C.
func (e *ECU) Jitter() {
	rpm := uint16((800 + rand.Float64()*2200) * 4)
	speed := byte(rand.Float64() * 120)
	temp := byte(80 + rand.Float64()*15 + 40)

	e.SetLive(0x0C, []byte{byte(rpm >> 8), byte(rpm)})
	e.SetLive(0x0D, []byte{speed})
	e.SetLive(0x05, []byte{temp})
}

// Respond builds the complete response message for one request
// message, or nil when the ECU stays silent.
func (e *ECU) Respond(req []byte) []byte {
	if len(req) == 0 {
		return nil
	}

	sid := req[0]
	e.mu.Lock()
	defer e.mu.Unlock()

	switch sid {
	case 0x01, 0x02:
		return e.respondLive(sid, req[1:])
	case 0x03:
		return respondDTCs(0x43, e.stored)
	case 0x07:
		return respondDTCs(0x47, e.pending)
	case 0x0A:
		return respondDTCs(0x4A, e.permanent)
	case 0x04:
		e.stored = nil
		return []byte{0x44}
	case 0x09:
		return e.respondVehicleInfo(req[1:])
	}

	return []byte{sidNegative, sid, nrcServiceNotSupported}
}

// respondLive answers a service 01/02 request, chaining the answers
// for every known PID in the request.
func (e *ECU) respondLive(sid byte, pids []byte) []byte {
	resp := []byte{sid + 0x40}

	for _, pid := range pids {
		if pid%0x20 == 0 {
			resp = append(resp, pid)
			resp = append(resp, e.liveBitmap(pid)...)
			continue
		}
		if payload, ok := e.live[pid]; ok {
			resp = append(resp, pid)
			resp = append(resp, payload...)
		}
	}

	if len(resp) == 1 {
		return []byte{sidNegative, sid, nrcOutOfRange}
	}
	return resp
}

// liveBitmap renders a supported-PID bitmap for one range base,
// flagging the next boundary PID while higher PIDs exist.
func (e *ECU) liveBitmap(base byte) []byte {
	bitmap := make([]byte, 4)
	for pid := range e.live {
		p, b := int(pid), int(base)
		if p > b && p <= b+0x20 {
			i := p - b - 1
			bitmap[i/8] |= 1 << uint(7-i%8)
		}
		if p > b+0x20 {
			bitmap[3] |= 1
		}
	}
	return bitmap
}

func (e *ECU) respondVehicleInfo(pids []byte) []byte {
	if len(pids) == 0 {
		return []byte{sidNegative, 0x09, nrcOutOfRange}
	}

	switch pids[0] {
	case 0x00:
		bitmap := make([]byte, 4)
		if e.VIN != "" {
			bitmap[0] |= 1 << 6 // PID 0x02
		}
		if e.Name != "" {
			bitmap[1] |= 1 << 6 // PID 0x0A
		}
		return append([]byte{0x49, 0x00}, bitmap...)
	case 0x02:
		if e.VIN == "" {
			break
		}
		resp := append([]byte{0x49, 0x02}, []byte(e.VIN)...)
		return append(resp, 0x00)
	case 0x0A:
		if e.Name == "" {
			break
		}
		resp := append([]byte{0x49, 0x0A}, []byte(e.Name)...)
		return append(resp, 0x00)
	}

	return []byte{sidNegative, 0x09, nrcOutOfRange}
}

func respondDTCs(sid byte, codes [][2]byte) []byte {
	resp := []byte{sid}
	for _, c := range codes {
		resp = append(resp, c[0], c[1])
	}
	if len(codes) == 0 {
		resp = append(resp, 0x00, 0x00)
	}
	return resp
}

// singleFramePayload extracts the payload of an ISO-TP single frame,
// or nil for every other frame type. Requests always fit one frame.
func singleFramePayload(data []byte) []byte {
	if len(data) == 0 || data[0]>>4 != 0x0 {
		return nil
	}
	n := int(data[0] & 0x0F)
	if n == 0 || n > len(data)-1 {
		return nil
	}
	return data[1 : 1+n]
}

// isotpFrames segments a message into transmit-ready 8-byte frames:
// one single frame for short payloads, a first frame plus consecutive
// frames otherwise.
func isotpFrames(msg []byte) [][]byte {
	if len(msg) <= 7 {
		frame := make([]byte, 8)
		frame[0] = byte(len(msg))
		copy(frame[1:], msg)
		return [][]byte{frame}
	}

	frames := make([][]byte, 0, 1+(len(msg)-6+6)/7)

	first := make([]byte, 8)
	first[0] = 0x10 | byte(len(msg)>>8)
	first[1] = byte(len(msg))
	copy(first[2:], msg[:6])
	frames = append(frames, first)

	seq := byte(1)
	for off := 6; off < len(msg); off += 7 {
		frame := make([]byte, 8)
		frame[0] = 0x20 | (seq & 0x0F)
		end := off + 7
		if end > len(msg) {
			end = len(msg)
		}
		copy(frame[1:], msg[off:end])
		frames = append(frames, frame)
		seq++
	}

	return frames
}

// Simulator answers requests for a set of ECUs on one CAN interface.
type Simulator struct {
	sock *canbus.Socket
	ecus []*ECU
	done chan struct{}
	wg   sync.WaitGroup
}

// New binds a simulator to a CAN interface such as "vcan0".
func New(ifName string, ecus ...*ECU) (*Simulator, error) {
	sock, err := canbus.New()
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	if err := sock.Bind(ifName); err != nil {
		sock.Close()
		return nil, fmt.Errorf("sim bind %s: %w", ifName, err)
	}

	return &Simulator{
		sock: sock,
		ecus: ecus,
		done: make(chan struct{}),
	}, nil
}

// Run starts the request loop and the live-value jitter ticker and
// blocks until Stop is called.
func (s *Simulator) Run() error {
	s.wg.Add(1)
	go s.jitterLoop()
	defer s.wg.Wait()

	for {
		frame, err := s.sock.Recv()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return fmt.Errorf("sim recv: %w", err)
			}
		}

		req := singleFramePayload(frame.Data)
		if req == nil {
			continue
		}

		for _, e := range s.ecus {
			if frame.ID != idBroadcast && frame.ID != e.ID {
				continue
			}
			resp := e.Respond(req)
			if resp == nil {
				continue
			}
			s.sendMsg(e.ID+idRespOff, resp)
		}
	}
}

// Stop terminates the request loop.
func (s *Simulator) Stop() {
	close(s.done)
	s.sock.Close()
}

func (s *Simulator) jitterLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, e := range s.ecus {
				e.Jitter()
			}
		case <-s.done:
			return
		}
	}
}

// sendMsg transmits one message, waiting for the tester's flow control
// frame between a first frame and its consecutive frames.
func (s *Simulator) sendMsg(id uint32, msg []byte) {
	frames := isotpFrames(msg)

	for i, data := range frames {
		if i == 1 {
			s.awaitFlowControl()
		}
		s.sock.Send(canbus.Frame{ID: id, Data: data, Kind: canbus.SFF})
		if i > 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// awaitFlowControl reads frames until a flow-control frame shows up,
// giving up after a few unrelated frames so a missing tester cannot
// wedge the loop.
func (s *Simulator) awaitFlowControl() {
	for i := 0; i < 8; i++ {
		frame, err := s.sock.Recv()
		if err != nil {
			return
		}
		if len(frame.Data) > 0 && frame.Data[0]>>4 == 0x3 {
			return
		}
	}
}
