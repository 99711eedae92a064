package sim

import (
	"bytes"
	"testing"
)

func TestRespondLiveData(t *testing.T) {
	e := NewECU(0x7E0, "ECM")
	e.SetLive(0x0C, []byte{0x1A, 0xF8})
	e.SetLive(0x0D, []byte{0x37})

	resp := e.Respond([]byte{0x01, 0x0C})
	if !bytes.Equal(resp, []byte{0x41, 0x0C, 0x1A, 0xF8}) {
		t.Errorf("single PID response = % X", resp)
	}

	resp = e.Respond([]byte{0x01, 0x0C, 0x0D})
	if !bytes.Equal(resp, []byte{0x41, 0x0C, 0x1A, 0xF8, 0x0D, 0x37}) {
		t.Errorf("chained response = % X", resp)
	}

	resp = e.Respond([]byte{0x01, 0x42})
	if !bytes.Equal(resp, []byte{0x7F, 0x01, 0x31}) {
		t.Errorf("unknown PID response = % X", resp)
	}

	resp = e.Respond([]byte{0x05})
	if !bytes.Equal(resp, []byte{0x7F, 0x05, 0x11}) {
		t.Errorf("unknown service response = % X", resp)
	}
}

func TestRespondSupportBitmap(t *testing.T) {
	e := NewECU(0x7E0, "ECM")
	e.SetLive(0x01, []byte{0x00})
	e.SetLive(0x08, []byte{0x00})
	e.SetLive(0x21, []byte{0x00})

	resp := e.Respond([]byte{0x01, 0x00})
	if len(resp) != 6 || resp[0] != 0x41 || resp[1] != 0x00 {
		t.Fatalf("bitmap response = % X", resp)
	}

	bitmap := resp[2:]
	// PID 0x01 is bit 7 of byte 0, PID 0x08 bit 0 of byte 0.
	if bitmap[0] != 0x81 {
		t.Errorf("bitmap[0] = %#02x, want 0x81", bitmap[0])
	}
	// A PID above the range sets the boundary bit (PID 0x20).
	if bitmap[3]&0x01 == 0 {
		t.Error("boundary PID 0x20 not advertised despite PID 0x21")
	}
}

func TestRespondVehicleInfo(t *testing.T) {
	e := NewECU(0x7E0, "ECM")
	e.VIN = "1HGCM82633A123456"

	resp := e.Respond([]byte{0x09, 0x02})
	want := append([]byte{0x49, 0x02}, []byte("1HGCM82633A123456\x00")...)
	if !bytes.Equal(resp, want) {
		t.Errorf("VIN response = % X, want % X", resp, want)
	}

	resp = e.Respond([]byte{0x09, 0x0A})
	want = append([]byte{0x49, 0x0A}, []byte("ECM\x00")...)
	if !bytes.Equal(resp, want) {
		t.Errorf("name response = % X, want % X", resp, want)
	}

	resp = e.Respond([]byte{0x09, 0x00})
	if !bytes.Equal(resp, []byte{0x49, 0x00, 0x40, 0x40, 0x00, 0x00}) {
		t.Errorf("support response = % X", resp)
	}
}

func TestRespondDTCsAndClear(t *testing.T) {
	e := NewECU(0x7E0, "ECM")
	e.AddDTC(0x01, 0x43, 0x03)
	e.AddDTC(0x02, 0x34, 0x07)

	if resp := e.Respond([]byte{0x03}); !bytes.Equal(resp, []byte{0x43, 0x01, 0x43}) {
		t.Errorf("stored response = % X", resp)
	}
	if resp := e.Respond([]byte{0x07}); !bytes.Equal(resp, []byte{0x47, 0x02, 0x34}) {
		t.Errorf("pending response = % X", resp)
	}
	if resp := e.Respond([]byte{0x0A}); !bytes.Equal(resp, []byte{0x4A, 0x00, 0x00}) {
		t.Errorf("permanent response = % X", resp)
	}

	if resp := e.Respond([]byte{0x04}); !bytes.Equal(resp, []byte{0x44}) {
		t.Errorf("clear response = % X", resp)
	}
	if resp := e.Respond([]byte{0x03}); !bytes.Equal(resp, []byte{0x43, 0x00, 0x00}) {
		t.Errorf("stored after clear = % X", resp)
	}
}

func TestSingleFramePayload(t *testing.T) {
	if got := singleFramePayload([]byte{0x02, 0x01, 0x0C, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}); !bytes.Equal(got, []byte{0x01, 0x0C}) {
		t.Errorf("payload = % X, want 01 0C", got)
	}
	if got := singleFramePayload([]byte{0x10, 0x0A, 0x49, 0x02, 0x00, 0x00, 0x00, 0x00}); got != nil {
		t.Errorf("first frame treated as single frame: % X", got)
	}
	if got := singleFramePayload([]byte{0x00}); got != nil {
		t.Errorf("zero-length frame yielded % X", got)
	}
}

func TestISOTPFraming(t *testing.T) {
	frames := isotpFrames([]byte{0x41, 0x0C, 0x1A, 0xF8})
	if len(frames) != 1 {
		t.Fatalf("short message used %d frames, want 1", len(frames))
	}
	if !bytes.Equal(frames[0], []byte{0x04, 0x41, 0x0C, 0x1A, 0xF8, 0x00, 0x00, 0x00}) {
		t.Errorf("single frame = % X", frames[0])
	}

	msg := append([]byte{0x49, 0x02}, []byte("1HGCM82633A123456\x00")...)
	frames = isotpFrames(msg)
	if len(frames) != 3 {
		t.Fatalf("VIN message used %d frames, want 3", len(frames))
	}

	if frames[0][0] != 0x10 || frames[0][1] != byte(len(msg)) {
		t.Errorf("first frame header = % X", frames[0][:2])
	}
	if frames[1][0] != 0x21 || frames[2][0] != 0x22 {
		t.Errorf("consecutive frame headers = %#02x %#02x", frames[1][0], frames[2][0])
	}

	// Reassembling the frames yields the original message.
	var got []byte
	got = append(got, frames[0][2:]...)
	for _, f := range frames[1:] {
		got = append(got, f[1:]...)
	}
	if !bytes.Equal(got[:len(msg)], msg) {
		t.Errorf("reassembled = % X, want % X", got[:len(msg)], msg)
	}
}
