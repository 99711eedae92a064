package transport

import (
	"fmt"
	"net"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// Socket option level and name for ISO-TP, linux/can/isotp.h.
	solCanISOTP  = unix.SOL_CAN_BASE + unix.CAN_ISOTP
	canISOTPOpts = 1

	isotpTxPadding = 0x004
	isotpRxPadding = 0x008

	txPadContent = 0xCC
	rxPadContent = 0x00

	sendRetryDelay = 100 * time.Microsecond
)

// isotpOptions mirrors struct can_isotp_options.
type isotpOptions struct {
	flags        uint32
	frameTxTime  uint32
	extAddress   uint8
	txPadContent uint8
	rxPadContent uint8
	rxExtAddress uint8
}

// ISOTPConn is a non-blocking CAN_ISOTP socket bound to one (tx, rx)
// id pair on a CAN interface.
type ISOTPConn struct {
	fd   int
	txID uint32
	rxID uint32
}

// InterfaceIndex resolves a CAN interface name such as "can0".
func InterfaceIndex(name string) (int, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("interface %q: %w", name, err)
	}
	return ifi.Index, nil
}

// ISOTPDialer returns a Dialer that opens ISO-TP sockets on the given
// interface.
func ISOTPDialer(ifIndex int) Dialer {
	return func(txID, rxID uint32) (Conn, error) {
		return DialISOTP(ifIndex, txID, rxID)
	}
}

// DialISOTP opens an ISO-TP socket with fixed padding options (tx pad
// 0xCC, rx pad 0x00, padding enabled both ways) in non-blocking mode.
func DialISOTP(ifIndex int, txID, rxID uint32) (*ISOTPConn, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_DGRAM, unix.CAN_ISOTP)
	if err != nil {
		return nil, fmt.Errorf("isotp socket: %w", err)
	}

	opts := isotpOptions{
		flags:        isotpTxPadding | isotpRxPadding,
		txPadContent: txPadContent,
		rxPadContent: rxPadContent,
	}
	if err := setsockopt(fd, solCanISOTP, canISOTPOpts, unsafe.Pointer(&opts), unsafe.Sizeof(opts)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("isotp options: %w", err)
	}

	addr := &unix.SockaddrCAN{
		Ifindex: ifIndex,
		TxID:    txID,
		RxID:    rxID,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("isotp bind tx=0x%03X rx=0x%03X: %w", txID, rxID, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("isotp nonblock: %w", err)
	}

	return &ISOTPConn{fd: fd, txID: txID, rxID: rxID}, nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, size uintptr) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_SETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		size,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func (c *ISOTPConn) TxID() uint32 { return c.txID }
func (c *ISOTPConn) RxID() uint32 { return c.rxID }

// Send writes one message, retrying briefly while the kernel transmit
// path would block. Any other error drops the message; the next poll
// cycle retries.
func (c *ISOTPConn) Send(msg []byte) {
	for {
		_, err := unix.Write(c.fd, msg)
		if err == unix.EAGAIN {
			time.Sleep(sendRetryDelay)
			continue
		}
		return
	}
}

// Read returns the next pending message length, or 0 when nothing is
// queued or the read fails.
func (c *ISOTPConn) Read(buf []byte) int {
	n, err := unix.Read(c.fd, buf)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func (c *ISOTPConn) Close() error {
	return unix.Close(c.fd)
}
