package xsk

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrFrameCountZero = errors.New("frame count must be positive")
	ErrAddrOutOfRange = errors.New("address outside the UMEM region")
	ErrAddrMisaligned = errors.New("address does not start a frame data segment")
)

// Umem is a region of frames shared with the kernel, plus the fill and
// completion rings through which frame ownership moves between the
// application and the kernel. All sockets bound to the same Umem share the
// one fill/completion pair; the first socket created on it claims the pair
// (see NewSocket).
type Umem struct {
	area     []byte
	config   UmemConfig
	fd       int
	refcount int
	fill     xskRingProd
	comp     xskRingCons
	claimed  bool
	closed   bool
}

// NewUmem maps an anonymous region of frameCount frames, registers it with
// the kernel and creates the fill and completion rings on a fresh AF_XDP
// socket.
//
// Parameters:
//   - usrConfig: ring and frame sizing, or nil for the defaults.
//   - frameCount: number of frames in the region.
//   - useHugePages: back the region with 2MB huge pages when available.
//
// Returns:
//   - the Umem.
//   - one FrameDesc per frame, in address order, with zero lengths. The
//     descriptor set is the caller's to keep for the Umem's lifetime.
//   - an error when validation or any kernel step fails. Everything
//     created up to that point is torn down again.
func NewUmem(usrConfig *UmemConfig, frameCount uint32, useHugePages bool) (*Umem, []FrameDesc, error) {
	var (
		mr    unix.XDPUmemReg
		umem  *Umem
		descs []FrameDesc
		errno unix.Errno
		err   error
	)

	if frameCount == 0 {
		return nil, nil, ErrFrameCountZero
	}
	umem = new(Umem)
	err = setUmemConfig(&umem.config, usrConfig)
	if err != nil {
		return nil, nil, err
	}
	umem.area, err = mmapRegion(int(frameCount)*int(umem.config.FrameSize), useHugePages)
	if err != nil {
		return nil, nil, err
	}
	umem.fd, err = unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		err = fmt.Errorf("unix.Socket AF_XDP failed: %v", err)
		goto outArea
	}

	mr.Addr = uint64(uintptr(unsafe.Pointer(&umem.area[0])))
	mr.Len = uint64(len(umem.area))
	mr.Chunk_size = umem.config.FrameSize
	mr.Headroom = umem.config.FrameHeadroom
	mr.Flags = umem.config.Flags

	_, _, errno = unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(umem.fd),
		unix.SOL_XDP, unix.XDP_UMEM_REG,
		uintptr(unsafe.Pointer(&mr)),
		unsafe.Sizeof(mr), 0)
	if errno != 0 {
		err = fmt.Errorf("unix.Setsockopt XDP_UMEM_REG failed: %v", errno)
		goto outSocket
	}
	err = createUmemRings(umem)
	if err != nil {
		goto outSocket
	}

	descs = make([]FrameDesc, frameCount)
	for i := range descs {
		descs[i].Addr = uint64(i)*uint64(umem.config.FrameSize) +
			XDP_PACKET_HEADROOM + uint64(umem.config.FrameHeadroom)
	}
	return umem, descs, nil

outSocket:
	unix.Close(umem.fd)
outArea:
	unix.Munmap(umem.area)
	return nil, nil, err
}

// createUmemRings sizes the fill and completion rings on the UMEM's socket
// and maps them into user space.
func createUmemRings(umem *Umem) error {
	var off unix.XDPMmapOffsets
	var err error
	// Setting the sizes makes the kernel allocate the ring structs on the fd.
	err = unix.SetsockoptInt(umem.fd, unix.SOL_XDP, unix.XDP_UMEM_FILL_RING, int(umem.config.FillSize))
	if err != nil {
		return fmt.Errorf("unix.SetsockoptInt XDP_UMEM_FILL_RING failed: %v", err)
	}
	err = unix.SetsockoptInt(umem.fd, unix.SOL_XDP, unix.XDP_UMEM_COMPLETION_RING, int(umem.config.CompSize))
	if err != nil {
		return fmt.Errorf("unix.SetsockoptInt XDP_UMEM_COMPLETION_RING failed: %v", err)
	}
	off, err = getMmapOffsets(umem.fd)
	if err != nil {
		return err
	}
	/*
		Length of the mappings, from the kernel structs behind them:
		struct xdp_ring {
			u32 producer ____cacheline_aligned_in_smp;
			u32 pad1 ____cacheline_aligned_in_smp;
			u32 consumer ____cacheline_aligned_in_smp;
			u32 pad2 ____cacheline_aligned_in_smp;
			u32 flags;
			u32 pad3 ____cacheline_aligned_in_smp;
		};
		struct xdp_umem_ring {
			struct xdp_ring ptrs;
			u64 desc[] ____cacheline_aligned_in_smp;
		};
		desc sits last, so its offset plus the slot array is the whole ring.
	*/
	fillMem, err := unix.Mmap(umem.fd, unix.XDP_UMEM_PGOFF_FILL_RING,
		int(off.Fr.Desc+uint64(umem.config.FillSize)*uint64(unsafe.Sizeof(uint64(0)))),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("unix.Mmap XDP_UMEM_PGOFF_FILL_RING failed: %v", err)
	}
	umem.fill.init(fillMem, off.Fr, umem.config.FillSize)
	// cachedCons runs size ahead of the consumer cursor, see nbFree.
	umem.fill.cachedCons = umem.config.FillSize

	compMem, err := unix.Mmap(umem.fd, unix.XDP_UMEM_PGOFF_COMPLETION_RING,
		int(off.Cr.Desc+uint64(umem.config.CompSize)*uint64(unsafe.Sizeof(uint64(0)))),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(fillMem)
		return fmt.Errorf("unix.Mmap XDP_UMEM_PGOFF_COMPLETION_RING failed: %v", err)
	}
	umem.comp.init(compMem, off.Cr, umem.config.CompSize)
	return nil
}

// getMmapOffsets asks the kernel for the field offsets inside the ring
// mappings. Kernels before 5.4 report a layout without the flags word and
// are not supported here.
func getMmapOffsets(fd int) (unix.XDPMmapOffsets, error) {
	var offsets unix.XDPMmapOffsets
	var vallen = uint32(unsafe.Sizeof(offsets))
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd),
		unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		uintptr(unsafe.Pointer(&offsets)),
		uintptr(unsafe.Pointer(&vallen)), 0)
	if errno != 0 {
		return offsets, fmt.Errorf("unix.Syscall6 getsockopt XDP_MMAP_OFFSETS failed: %v", errno)
	}
	return offsets, nil
}

// MTU returns the data segment capacity of every frame.
func (u *Umem) MTU() int {
	return int(u.config.mtu())
}

// Fd returns the UMEM's socket descriptor. The first socket created on the
// UMEM binds on this very fd.
func (u *Umem) Fd() int {
	return u.fd
}

// checkAddr validates that addr names the data segment start of some frame
// in the region. Out of range and misaligned are distinct errors so callers
// can tell a stale descriptor from a corrupted one.
func (u *Umem) checkAddr(addr uint64) error {
	if addr >= uint64(len(u.area)) {
		return errors.Wrapf(ErrAddrOutOfRange, "address %#x with region size %d", addr, len(u.area))
	}
	dataOff := uint64(XDP_PACKET_HEADROOM) + uint64(u.config.FrameHeadroom)
	if addr < dataOff || (addr-dataOff)%uint64(u.config.FrameSize) != 0 {
		return errors.Wrapf(ErrAddrMisaligned, "address %#x with frame size %d and headroom %d",
			addr, u.config.FrameSize, dataOff)
	}
	return nil
}

// Headroom returns the meaningful bytes of the frame's user headroom
// segment, at most the configured frame headroom.
//
// Safety contract, never checked at runtime: desc must belong to this
// Umem, and no other view of the same frame may be alive while this one
// is, in this process or on the kernel side (the frame must not sit in a
// ring the kernel is working on). The same contract applies to every view
// accessor below.
func (u *Umem) Headroom(desc *FrameDesc) ([]byte, error) {
	if err := u.checkAddr(desc.Addr); err != nil {
		return nil, err
	}
	n := desc.HeadroomLen
	if n > u.config.FrameHeadroom {
		n = u.config.FrameHeadroom
	}
	start := desc.Addr - uint64(u.config.FrameHeadroom)
	return u.area[start : start+uint64(n)], nil
}

// Data returns the meaningful bytes of the frame's data segment, at most
// the MTU. For a frame fresh out of the rx ring this is the received
// packet.
func (u *Umem) Data(desc *FrameDesc) ([]byte, error) {
	if err := u.checkAddr(desc.Addr); err != nil {
		return nil, err
	}
	n := desc.DataLen
	if mtu := u.config.mtu(); n > mtu {
		n = mtu
	}
	return u.area[desc.Addr : desc.Addr+uint64(n)], nil
}

// Frame returns both segment views at once.
func (u *Umem) Frame(desc *FrameDesc) (headroom []byte, data []byte, err error) {
	if err := u.checkAddr(desc.Addr); err != nil {
		return nil, nil, err
	}
	hn := desc.HeadroomLen
	if hn > u.config.FrameHeadroom {
		hn = u.config.FrameHeadroom
	}
	dn := desc.DataLen
	if mtu := u.config.mtu(); dn > mtu {
		dn = mtu
	}
	start := desc.Addr - uint64(u.config.FrameHeadroom)
	return u.area[start : start+uint64(hn)], u.area[desc.Addr : desc.Addr+uint64(dn)], nil
}

// HeadroomMut returns a write cursor over the frame's whole headroom
// capacity, positioned at the current headroom length of desc.
func (u *Umem) HeadroomMut(desc *FrameDesc) (*Cursor, error) {
	if err := u.checkAddr(desc.Addr); err != nil {
		return nil, err
	}
	start := desc.Addr - uint64(u.config.FrameHeadroom)
	return &Cursor{
		pos: &desc.HeadroomLen,
		buf: u.area[start:desc.Addr],
	}, nil
}

// DataMut returns a write cursor over the frame's whole data capacity,
// positioned at the current data length of desc. Writing through it sets
// up what a subsequent TxQueue.Produce of desc will transmit.
func (u *Umem) DataMut(desc *FrameDesc) (*Cursor, error) {
	if err := u.checkAddr(desc.Addr); err != nil {
		return nil, err
	}
	return &Cursor{
		pos: &desc.DataLen,
		buf: u.area[desc.Addr : desc.Addr+uint64(u.config.mtu())],
	}, nil
}

// FrameMut returns write cursors over both segments at once.
func (u *Umem) FrameMut(desc *FrameDesc) (headroom *Cursor, data *Cursor, err error) {
	if err := u.checkAddr(desc.Addr); err != nil {
		return nil, nil, err
	}
	start := desc.Addr - uint64(u.config.FrameHeadroom)
	return &Cursor{
			pos: &desc.HeadroomLen,
			buf: u.area[start:desc.Addr],
		}, &Cursor{
			pos: &desc.DataLen,
			buf: u.area[desc.Addr : desc.Addr+uint64(u.config.mtu())],
		}, nil
}

// Close unmaps the rings, closes the UMEM's socket and unmaps the frame
// region. It fails with unix.EBUSY while any socket still references the
// UMEM. Closing twice is a no-op.
func (u *Umem) Close() error {
	if u == nil || u.closed {
		return nil
	}
	if u.refcount > 0 {
		return unix.EBUSY
	}
	u.closed = true
	unix.Munmap(u.fill.mem)
	unix.Munmap(u.comp.mem)
	unix.Close(u.fd)
	unix.Munmap(u.area)
	return nil
}
