//go:build linux

package gpio

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Minimal GPIO character device uAPI (v1): line event requests and event
// reads, which is all the interrupt paths need. Mode, pull and level keep
// going through the mapped registers.

const cdevNameSize = 32

type eventRequest struct {
	Offset      uint32
	HandleFlags uint32
	EventFlags  uint32
	Consumer    [cdevNameSize]byte
	Fd          int32
}

type eventData struct {
	Timestamp uint64
	ID        uint32
	_         uint32 // 64-bit alignment padding in the kernel struct
}

const (
	handleRequestInput = 1 << 0

	eventRequestRisingEdge  = 1 << 0
	eventRequestFallingEdge = 1 << 1
	eventRequestBothEdges   = eventRequestRisingEdge | eventRequestFallingEdge

	eventRisingEdge  = 0x01
	eventFallingEdge = 0x02
)

// ioctl encoding, _IOWR('B', nr, size).
const (
	iocWrite     = 1
	iocRead      = 2
	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func iorw(t, nr, size uintptr) uintptr {
	return (iocRead|iocWrite)<<iocDirShift | size<<iocSizeShift | t<<iocTypeShift | nr<<iocNRShift
}

var getLineEventIoctl = iorw('B', 0x04, unsafe.Sizeof(eventRequest{}))

var nativeEndian binary.ByteOrder = binary.LittleEndian

func init() {
	var probe uint16 = 1
	if (*[2]byte)(unsafe.Pointer(&probe))[0] == 0 {
		nativeEndian = binary.BigEndian
	}
}

// requestLineEvent asks the chip for an event fd reporting the given
// trigger's edges on the pin. The kernel configures the line as an input
// for the lifetime of the returned fd.
func requestLineEvent(chipFd uintptr, pin uint8, trigger Trigger) (int, error) {
	req := eventRequest{
		Offset:      uint32(pin),
		HandleFlags: handleRequestInput,
	}
	switch trigger {
	case RisingEdge:
		req.EventFlags = eventRequestRisingEdge
	case FallingEdge:
		req.EventFlags = eventRequestFallingEdge
	default:
		req.EventFlags = eventRequestBothEdges
	}
	copy(req.Consumer[:], "gpiohost")

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, chipFd, getLineEventIoctl,
		uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return -1, errno
	}
	return int(req.Fd), nil
}

// readLineEvent reads one queued event from a line event fd. Call only
// when the fd is known to be readable.
func readLineEvent(fd int) (eventData, error) {
	var (
		ed  eventData
		buf [unsafe.Sizeof(eventData{})]byte
	)
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return ed, err
	}
	ed.Timestamp = nativeEndian.Uint64(buf[0:8])
	if n >= 12 {
		ed.ID = nativeEndian.Uint32(buf[8:12])
	}
	return ed, nil
}

// eventLevel maps an event ID to the level observed after the edge.
func eventLevel(ed eventData) Level {
	return Level(ed.ID == eventRisingEdge)
}
