package xsk

// RxQueue delivers received frames to the application. Socket-scoped: each
// socket consumes its own rx ring.
type RxQueue struct {
	ring *xskRingCons
	fd   int
	umem *Umem
}

// Consume moves up to len(descs) received frames out of the ring, in
// arrival order. Each written descriptor takes the slot's address, data
// length and options. The headroom length is left as the caller had it;
// the kernel never touches the user headroom segment. Returns the number
// of descriptors written. The frames now belong to the application again.
func (q *RxQueue) Consume(descs []FrameDesc) int {
	var idx uint32
	cnt := q.ring.peek(uint32(len(descs)), &idx)
	for i := uint32(0); i < cnt; i++ {
		slot := q.ring.rxDesc(idx)
		d := &descs[i]
		d.Addr = slot.Addr
		d.DataLen = slot.Len
		d.Options = slot.Options
		idx++
	}
	if cnt > 0 {
		q.ring.release(cnt)
	}
	return int(cnt)
}

// ConsumeOne is Consume for a single frame.
func (q *RxQueue) ConsumeOne(desc *FrameDesc) int {
	var idx uint32
	if q.ring.peek(1, &idx) == 0 {
		return 0
	}
	slot := q.ring.rxDesc(idx)
	desc.Addr = slot.Addr
	desc.DataLen = slot.Len
	desc.Options = slot.Options
	q.ring.release(1)
	return 1
}

// PollAndConsume waits up to pollTimeoutMs for the socket to become
// readable, then consumes. On timeout it returns 0 without touching the
// ring.
func (q *RxQueue) PollAndConsume(descs []FrameDesc, pollTimeoutMs int) (int, error) {
	ready, err := pollRead(q.fd, pollTimeoutMs)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, nil
	}
	return q.Consume(descs), nil
}

// Fd returns the socket descriptor behind the queue, pollable for
// readability.
func (q *RxQueue) Fd() int {
	return q.fd
}
