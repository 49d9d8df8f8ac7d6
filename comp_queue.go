package xsk

// CompQueue returns transmitted frames to the application. UMEM-scoped
// like the fill queue: completions for every socket sharing the UMEM
// arrive here, and concurrent consumers need external locking.
type CompQueue struct {
	ring *xskRingCons
	umem *Umem
}

// Consume moves up to len(descs) completed frames out of the ring, in
// completion order. Each written descriptor carries the completed address
// with zero lengths and options; the frame's contents mean nothing after
// transmission. Returns the number of descriptors written. The consumed
// frames are free again.
func (q *CompQueue) Consume(descs []FrameDesc) int {
	var idx uint32
	cnt := q.ring.peek(uint32(len(descs)), &idx)
	for i := uint32(0); i < cnt; i++ {
		d := &descs[i]
		d.Addr = *q.ring.compAddr(idx)
		d.DataLen = 0
		d.HeadroomLen = 0
		d.Options = 0
		idx++
	}
	if cnt > 0 {
		q.ring.release(cnt)
	}
	return int(cnt)
}

// ConsumeOne is Consume for a single frame.
func (q *CompQueue) ConsumeOne(desc *FrameDesc) int {
	var idx uint32
	if q.ring.peek(1, &idx) == 0 {
		return 0
	}
	desc.Addr = *q.ring.compAddr(idx)
	desc.DataLen = 0
	desc.HeadroomLen = 0
	desc.Options = 0
	q.ring.release(1)
	return 1
}
