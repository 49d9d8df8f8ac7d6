package xsk

import (
	"math/bits"

	"github.com/cilium/ebpf/link"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Defaults mirroring xsk.h.
const (
	XSK_RING_CONS__DEFAULT_NUM_DESCS = 2048
	XSK_RING_PROD__DEFAULT_NUM_DESCS = 2048
	XSK_UMEM__DEFAULT_FRAME_SHIFT    = 12 // 4096 bytes
	XSK_UMEM__DEFAULT_FRAME_SIZE     = 1 << XSK_UMEM__DEFAULT_FRAME_SHIFT
	XSK_UMEM__DEFAULT_FRAME_HEADROOM = 0
	XSK_UMEM__DEFAULT_FLAGS          = 0
)

// XSK_LIBBPF_FLAGS__INHIBIT_PROG_LOAD tells NewSocket not to load and attach
// the default XDP program. The caller then owns redirection, typically via
// an explicitly managed Program.
const XSK_LIBBPF_FLAGS__INHIBIT_PROG_LOAD uint32 = 1 << 0

const (
	// XDP_PACKET_HEADROOM bytes are reserved by the kernel at the start of
	// every frame so XDP programs can prepend headers (bpf_xdp_adjust_head).
	// This region is never visible through the frame views.
	XDP_PACKET_HEADROOM = 256

	// XDP_UMEM_MIN_CHUNK_SIZE is the smallest frame size the kernel accepts
	// at UMEM registration.
	XDP_UMEM_MIN_CHUNK_SIZE = 2048
)

var (
	ErrQueueSizeNotPowerOfTwo = errors.New("queue size must be a nonzero power of two")
	ErrFrameSizeTooSmall      = errors.New("frame size below XDP_UMEM_MIN_CHUNK_SIZE")
	ErrHeadroomTooLarge       = errors.New("XDP_PACKET_HEADROOM plus frame headroom exceeds frame size")
)

/*
	struct xsk_umem_config {
		__u32 fill_size;
		__u32 comp_size;
		__u32 frame_size;
		__u32 frame_headroom;
		__u32 flags;
	};
*/
type UmemConfig struct {
	FillSize      uint32
	CompSize      uint32
	FrameSize     uint32
	FrameHeadroom uint32
	Flags         uint32
}

// mtu is the capacity of the data segment of every frame: the frame size
// minus the kernel headroom and the configured frame headroom.
func (c *UmemConfig) mtu() uint32 {
	return c.FrameSize - XDP_PACKET_HEADROOM - c.FrameHeadroom
}

// setUmemConfig copies usrCfg into cfg, or loads the defaults when usrCfg
// is nil, then validates the result. The defaults always validate.
func setUmemConfig(cfg *UmemConfig, usrCfg *UmemConfig) error {
	if usrCfg == nil {
		cfg.FillSize = XSK_RING_PROD__DEFAULT_NUM_DESCS
		cfg.CompSize = XSK_RING_CONS__DEFAULT_NUM_DESCS
		cfg.FrameSize = XSK_UMEM__DEFAULT_FRAME_SIZE
		cfg.FrameHeadroom = XSK_UMEM__DEFAULT_FRAME_HEADROOM
		cfg.Flags = XSK_UMEM__DEFAULT_FLAGS
		return nil
	}
	*cfg = *usrCfg
	if !powerOfTwo(cfg.FillSize) {
		return errors.Wrapf(ErrQueueSizeNotPowerOfTwo, "fill ring size %d", cfg.FillSize)
	}
	if !powerOfTwo(cfg.CompSize) {
		return errors.Wrapf(ErrQueueSizeNotPowerOfTwo, "completion ring size %d", cfg.CompSize)
	}
	if cfg.FrameSize < XDP_UMEM_MIN_CHUNK_SIZE {
		return errors.Wrapf(ErrFrameSizeTooSmall, "frame size %d", cfg.FrameSize)
	}
	// A frame that is all headroom (mtu 0) is legal, exceeding the frame is not.
	if uint64(XDP_PACKET_HEADROOM)+uint64(cfg.FrameHeadroom) > uint64(cfg.FrameSize) {
		return errors.Wrapf(ErrHeadroomTooLarge, "frame headroom %d with frame size %d", cfg.FrameHeadroom, cfg.FrameSize)
	}
	return nil
}

/*
	struct xsk_socket_config {
		__u32 rx_size;
		__u32 tx_size;
		__u32 libbpf_flags;
		__u32 xdp_flags;
		__u16 bind_flags;
	};
*/
type SocketConfig struct {
	RxSize      uint32
	TxSize      uint32
	LibbpfFlags uint32
	XdpFlags    link.XDPAttachFlags
	BindFlags   uint16
}

// setSocketConfig copies usrCfg into cfg, or loads the defaults when usrCfg
// is nil, then validates the result.
func setSocketConfig(cfg *SocketConfig, usrCfg *SocketConfig) error {
	if usrCfg == nil {
		cfg.RxSize = XSK_RING_CONS__DEFAULT_NUM_DESCS
		cfg.TxSize = XSK_RING_PROD__DEFAULT_NUM_DESCS
		cfg.LibbpfFlags = 0
		cfg.XdpFlags = 0
		cfg.BindFlags = 0
		return nil
	}
	if usrCfg.LibbpfFlags & ^XSK_LIBBPF_FLAGS__INHIBIT_PROG_LOAD != 0 {
		return unix.EINVAL
	}
	*cfg = *usrCfg
	if !powerOfTwo(cfg.RxSize) {
		return errors.Wrapf(ErrQueueSizeNotPowerOfTwo, "rx ring size %d", cfg.RxSize)
	}
	if !powerOfTwo(cfg.TxSize) {
		return errors.Wrapf(ErrQueueSizeNotPowerOfTwo, "tx ring size %d", cfg.TxSize)
	}
	return nil
}

func powerOfTwo(n uint32) bool {
	return bits.OnesCount32(n) == 1
}
