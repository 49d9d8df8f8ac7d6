package xsk

// FillQueue hands free frames to the kernel so it has somewhere to write
// received packets. It is UMEM-scoped: every socket sharing the UMEM
// receives into frames produced here, and concurrent producers need
// external locking. The queue holds no socket fd of its own; wakeup calls
// take the fd of the socket whose driver should start filling.
type FillQueue struct {
	ring *xskRingProd
	umem *Umem
}

// Produce hands the frames described by descs to the kernel. All or
// nothing: the return is len(descs) when every address was placed, or 0
// when the ring did not have room for all of them, never a partial count.
//
// The frames must be free, and must not be read or written again until
// they come back out of an rx queue.
func (q *FillQueue) Produce(descs []FrameDesc) int {
	nb := uint32(len(descs))
	var idx uint32
	if nb == 0 || q.ring.reserve(nb, &idx) == 0 {
		return 0
	}
	for i := range descs {
		*q.ring.fillAddr(idx) = descs[i].Addr
		idx++
	}
	q.ring.submit(nb)
	return int(nb)
}

// ProduceOne is Produce for a single frame.
func (q *FillQueue) ProduceOne(desc *FrameDesc) int {
	var idx uint32
	if q.ring.reserve(1, &idx) == 0 {
		return 0
	}
	*q.ring.fillAddr(idx) = desc.Addr
	q.ring.submit(1)
	return 1
}

// ProduceAndWakeup produces and, when something was produced and the
// kernel asked for it, wakes the driver behind fd so it starts consuming
// the fill ring.
func (q *FillQueue) ProduceAndWakeup(descs []FrameDesc, fd int, pollTimeoutMs int) (int, error) {
	cnt := q.Produce(descs)
	if cnt > 0 && q.ring.needsWakeup() {
		if err := q.Wakeup(fd, pollTimeoutMs); err != nil {
			return cnt, err
		}
	}
	return cnt, nil
}

// ProduceOneAndWakeup is ProduceAndWakeup for a single frame.
func (q *FillQueue) ProduceOneAndWakeup(desc *FrameDesc, fd int, pollTimeoutMs int) (int, error) {
	cnt := q.ProduceOne(desc)
	if cnt > 0 && q.ring.needsWakeup() {
		if err := q.Wakeup(fd, pollTimeoutMs); err != nil {
			return cnt, err
		}
	}
	return cnt, nil
}

// Wakeup polls fd readable for up to pollTimeoutMs, which kicks the driver
// into working on the fill ring.
func (q *FillQueue) Wakeup(fd int, pollTimeoutMs int) error {
	_, err := pollRead(fd, pollTimeoutMs)
	return err
}

// NeedsWakeup reports whether the kernel asked to be woken after
// producing. Only ever set when the socket was bound with
// XDP_USE_NEED_WAKEUP.
func (q *FillQueue) NeedsWakeup() bool {
	return q.ring.needsWakeup()
}
