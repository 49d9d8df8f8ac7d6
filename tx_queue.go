package xsk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var zeroBuf []byte

// TxQueue submits frames for transmission. Socket-scoped: each socket
// produces into its own tx ring.
type TxQueue struct {
	ring *xskRingProd
	fd   int
	umem *Umem
}

// Produce submits the frames described by descs for transmission. All or
// nothing, like FillQueue.Produce: len(descs) or 0, never partial. Each
// descriptor's data length says how many bytes of that frame go on the
// wire.
//
// The frames must already hold the outgoing packets and must not be
// touched again until they come back out of the completion queue.
func (q *TxQueue) Produce(descs []FrameDesc) int {
	nb := uint32(len(descs))
	var idx uint32
	if nb == 0 || q.ring.reserve(nb, &idx) == 0 {
		return 0
	}
	for i := range descs {
		slot := q.ring.txDesc(idx)
		slot.Addr = descs[i].Addr
		slot.Len = descs[i].DataLen
		slot.Options = descs[i].Options
		idx++
	}
	q.ring.submit(nb)
	return int(nb)
}

// ProduceOne is Produce for a single frame.
func (q *TxQueue) ProduceOne(desc *FrameDesc) int {
	var idx uint32
	if q.ring.reserve(1, &idx) == 0 {
		return 0
	}
	slot := q.ring.txDesc(idx)
	slot.Addr = desc.Addr
	slot.Len = desc.DataLen
	slot.Options = desc.Options
	q.ring.submit(1)
	return 1
}

// ProduceAndWakeup produces, then wakes the driver whenever it asked for
// a wakeup, even when nothing was produced this time: the kernel may still
// be sitting on slots submitted earlier.
func (q *TxQueue) ProduceAndWakeup(descs []FrameDesc) (int, error) {
	cnt := q.Produce(descs)
	if q.ring.needsWakeup() {
		if err := q.Wakeup(); err != nil {
			return cnt, err
		}
	}
	return cnt, nil
}

// ProduceOneAndWakeup is ProduceAndWakeup for a single frame.
func (q *TxQueue) ProduceOneAndWakeup(desc *FrameDesc) (int, error) {
	cnt := q.ProduceOne(desc)
	if q.ring.needsWakeup() {
		if err := q.Wakeup(); err != nil {
			return cnt, err
		}
	}
	return cnt, nil
}

// Wakeup kicks the kernel into processing the tx ring. AF_XDP takes a
// zero-length send as the doorbell. Errors that just mean "the kernel is
// busy right now" are not reported; transmission proceeds once it drains.
func (q *TxQueue) Wakeup() error {
	err := unix.Sendto(q.fd, zeroBuf, unix.MSG_DONTWAIT, nil)
	switch err {
	case nil, unix.ENOBUFS, unix.EAGAIN, unix.EBUSY, unix.ENETDOWN:
		return nil
	}
	return fmt.Errorf("unix.Sendto failed: %v", err)
}

// NeedsWakeup reports whether the kernel asked to be woken after
// producing. Only ever set when the socket was bound with
// XDP_USE_NEED_WAKEUP.
func (q *TxQueue) NeedsWakeup() bool {
	return q.ring.needsWakeup()
}

// Poll waits up to pollTimeoutMs for the socket to become writable.
func (q *TxQueue) Poll(pollTimeoutMs int) (bool, error) {
	return pollWrite(q.fd, pollTimeoutMs)
}

// Fd returns the socket descriptor behind the queue.
func (q *TxQueue) Fd() int {
	return q.fd
}
