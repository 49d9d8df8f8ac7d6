package xsk

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

/*
	#define DEFINE_XSK_RING(name) \

		struct name { \
			__u32 cached_prod; \
			__u32 cached_cons; \
			__u32 mask; \
			__u32 size; \
			__u32 *producer; \
			__u32 *consumer; \
			void *ring; \
			__u32 *flags; \
		}

	DEFINE_XSK_RING(xsk_ring_prod);
	DEFINE_XSK_RING(xsk_ring_cons);

	producer, consumer, ring and flags point into the mmap shared with the
	kernel; the cached cursors belong to the user-space side alone. mem is
	the whole mapping, kept so teardown can Munmap it.
*/
type xskRingProd struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	producer   *uint32
	consumer   *uint32
	ring       unsafe.Pointer
	flags      *uint32
	mem        []byte
}

type xskRingCons struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	producer   *uint32
	consumer   *uint32
	ring       unsafe.Pointer
	flags      *uint32
	mem        []byte
}

func (r *xskRingProd) init(mem []byte, off unix.XDPRingOffset, size uint32) {
	r.mask = size - 1
	r.size = size
	r.producer = (*uint32)(unsafe.Pointer(&mem[off.Producer]))
	r.consumer = (*uint32)(unsafe.Pointer(&mem[off.Consumer]))
	r.flags = (*uint32)(unsafe.Pointer(&mem[off.Flags]))
	r.ring = unsafe.Pointer(&mem[off.Desc])
	r.mem = mem
}

func (r *xskRingCons) init(mem []byte, off unix.XDPRingOffset, size uint32) {
	r.mask = size - 1
	r.size = size
	r.producer = (*uint32)(unsafe.Pointer(&mem[off.Producer]))
	r.consumer = (*uint32)(unsafe.Pointer(&mem[off.Consumer]))
	r.flags = (*uint32)(unsafe.Pointer(&mem[off.Flags]))
	r.ring = unsafe.Pointer(&mem[off.Desc])
	r.mem = mem
}

func (r *xskRingProd) fillAddr(idx uint32) *uint64 {
	addrs := unsafe.Slice((*uint64)(r.ring), int(r.size))
	return &addrs[idx&r.mask]
}

func (r *xskRingCons) compAddr(idx uint32) *uint64 {
	addrs := unsafe.Slice((*uint64)(r.ring), int(r.size))
	return &addrs[idx&r.mask]
}

func (r *xskRingProd) txDesc(idx uint32) *unix.XDPDesc {
	descs := unsafe.Slice((*unix.XDPDesc)(r.ring), int(r.size))
	return &descs[idx&r.mask]
}

func (r *xskRingCons) rxDesc(idx uint32) *unix.XDPDesc {
	descs := unsafe.Slice((*unix.XDPDesc)(r.ring), int(r.size))
	return &descs[idx&r.mask]
}

func (r *xskRingProd) needsWakeup() bool {
	return *r.flags&unix.XDP_RING_NEED_WAKEUP != 0
}

func (r *xskRingProd) nbFree(nb uint32) uint32 {
	freeEntries := r.cachedCons - r.cachedProd

	if freeEntries >= nb {
		return freeEntries
	}
	/*
		Refresh the local view of the consumer cursor. cachedCons runs
		r.size ahead of the real consumer so the hot path above stays a
		single subtraction; without that offset it would have to be
		freeEntries = cachedCons - cachedProd + size.
	*/
	r.cachedCons = atomic.LoadUint32(r.consumer)
	r.cachedCons += r.size

	return r.cachedCons - r.cachedProd
}

func (r *xskRingCons) nbAvail(nb uint32) uint32 {
	entries := r.cachedProd - r.cachedCons

	if entries == 0 {
		r.cachedProd = atomic.LoadUint32(r.producer)
		entries = r.cachedProd - r.cachedCons
	}

	if entries > nb {
		return nb
	}
	return entries
}

func (r *xskRingProd) reserve(nb uint32, idx *uint32) uint32 {
	if r.nbFree(nb) < nb {
		return 0
	}

	*idx = r.cachedProd
	r.cachedProd += nb

	return nb
}

func (r *xskRingProd) submit(nb uint32) {
	atomic.AddUint32(r.producer, nb)
}

func (r *xskRingCons) peek(nb uint32, idx *uint32) uint32 {
	entries := r.nbAvail(nb)

	if entries > 0 {
		*idx = r.cachedCons
		r.cachedCons += entries
	}

	return entries
}

func (r *xskRingCons) cancel(nb uint32) {
	r.cachedCons -= nb
}

func (r *xskRingCons) release(nb uint32) {
	atomic.AddUint32(r.consumer, nb)
}
