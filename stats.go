package xsk

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Stats are the kernel's drop and error counters for one socket. All
// counters run from bind onward.
type Stats struct {
	// RxDropped counts packets dropped for reasons other than an invalid
	// descriptor.
	RxDropped uint64
	// RxInvalidDescs counts rx descriptors the kernel rejected.
	RxInvalidDescs uint64
	// TxInvalidDescs counts tx descriptors the kernel rejected.
	TxInvalidDescs uint64
	// RxRingFull counts packets dropped because the rx ring had no room.
	RxRingFull uint64
	// RxFillRingEmptyDescs counts failed reads from the fill ring.
	RxFillRingEmptyDescs uint64
	// TxRingEmptyDescs counts failed reads from the tx ring.
	TxRingEmptyDescs uint64
}

// Stats reads the socket's kernel counters via getsockopt XDP_STATISTICS.
func (s *Socket) Stats() (Stats, error) {
	var xdpStats unix.XDPStatistics
	vallen := uint32(unsafe.Sizeof(xdpStats))
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(s.fd),
		unix.SOL_XDP, unix.XDP_STATISTICS,
		uintptr(unsafe.Pointer(&xdpStats)),
		uintptr(unsafe.Pointer(&vallen)), 0)
	if errno != 0 {
		return Stats{}, errors.Wrap(errno, "getsockopt XDP_STATISTICS failed")
	}
	return Stats{
		RxDropped:            xdpStats.Rx_dropped,
		RxInvalidDescs:       xdpStats.Rx_invalid_descs,
		TxInvalidDescs:       xdpStats.Tx_invalid_descs,
		RxRingFull:           xdpStats.Rx_ring_full,
		RxFillRingEmptyDescs: xdpStats.Rx_fill_ring_empty_descs,
		TxRingEmptyDescs:     xdpStats.Tx_ring_empty_descs,
	}, nil
}
