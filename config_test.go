package xsk

import (
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func TestUmemConfigDefaults(t *testing.T) {
	var cfg UmemConfig
	if err := setUmemConfig(&cfg, nil); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
	if cfg.FillSize != XSK_RING_PROD__DEFAULT_NUM_DESCS {
		t.Errorf("FillSize = %d, want %d", cfg.FillSize, XSK_RING_PROD__DEFAULT_NUM_DESCS)
	}
	if cfg.CompSize != XSK_RING_CONS__DEFAULT_NUM_DESCS {
		t.Errorf("CompSize = %d, want %d", cfg.CompSize, XSK_RING_CONS__DEFAULT_NUM_DESCS)
	}
	if cfg.FrameSize != XSK_UMEM__DEFAULT_FRAME_SIZE {
		t.Errorf("FrameSize = %d, want %d", cfg.FrameSize, XSK_UMEM__DEFAULT_FRAME_SIZE)
	}
	if cfg.FrameHeadroom != 0 || cfg.Flags != 0 {
		t.Errorf("FrameHeadroom/Flags = %d/%d, want 0/0", cfg.FrameHeadroom, cfg.Flags)
	}
	if got := cfg.mtu(); got != XSK_UMEM__DEFAULT_FRAME_SIZE-XDP_PACKET_HEADROOM {
		t.Errorf("mtu() = %d, want %d", got, XSK_UMEM__DEFAULT_FRAME_SIZE-XDP_PACKET_HEADROOM)
	}
}

func TestUmemConfigQueueSizes(t *testing.T) {
	for _, size := range []uint32{0, 3, 6, 2047} {
		var cfg UmemConfig
		err := setUmemConfig(&cfg, &UmemConfig{FillSize: size, CompSize: 8, FrameSize: 2048})
		if !errors.Is(err, ErrQueueSizeNotPowerOfTwo) {
			t.Errorf("fill size %d: err = %v, want ErrQueueSizeNotPowerOfTwo", size, err)
		}
		err = setUmemConfig(&cfg, &UmemConfig{FillSize: 8, CompSize: size, FrameSize: 2048})
		if !errors.Is(err, ErrQueueSizeNotPowerOfTwo) {
			t.Errorf("comp size %d: err = %v, want ErrQueueSizeNotPowerOfTwo", size, err)
		}
	}
	for _, size := range []uint32{1, 2, 4, 2048} {
		var cfg UmemConfig
		err := setUmemConfig(&cfg, &UmemConfig{FillSize: size, CompSize: size, FrameSize: 2048})
		if err != nil {
			t.Errorf("size %d rejected: %v", size, err)
		}
	}
}

func TestUmemConfigFrameSize(t *testing.T) {
	var cfg UmemConfig
	err := setUmemConfig(&cfg, &UmemConfig{FillSize: 4, CompSize: 4, FrameSize: 2047})
	if !errors.Is(err, ErrFrameSizeTooSmall) {
		t.Errorf("frame size 2047: err = %v, want ErrFrameSizeTooSmall", err)
	}
	err = setUmemConfig(&cfg, &UmemConfig{FillSize: 4, CompSize: 4, FrameSize: 2048})
	if err != nil {
		t.Errorf("frame size 2048 rejected: %v", err)
	}
}

func TestUmemConfigHeadroom(t *testing.T) {
	var cfg UmemConfig
	// All headroom, mtu 0: legal.
	err := setUmemConfig(&cfg, &UmemConfig{
		FillSize: 4, CompSize: 4,
		FrameSize:     2048,
		FrameHeadroom: 2048 - XDP_PACKET_HEADROOM,
	})
	if err != nil {
		t.Errorf("mtu 0 config rejected: %v", err)
	}
	if got := cfg.mtu(); got != 0 {
		t.Errorf("mtu() = %d, want 0", got)
	}
	// One byte over the frame.
	err = setUmemConfig(&cfg, &UmemConfig{
		FillSize: 4, CompSize: 4,
		FrameSize:     2048,
		FrameHeadroom: 2048 - XDP_PACKET_HEADROOM + 1,
	})
	if !errors.Is(err, ErrHeadroomTooLarge) {
		t.Errorf("oversized headroom: err = %v, want ErrHeadroomTooLarge", err)
	}
}

func TestSocketConfigDefaults(t *testing.T) {
	var cfg SocketConfig
	if err := setSocketConfig(&cfg, nil); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
	if cfg.RxSize != XSK_RING_CONS__DEFAULT_NUM_DESCS || cfg.TxSize != XSK_RING_PROD__DEFAULT_NUM_DESCS {
		t.Errorf("RxSize/TxSize = %d/%d, want %d/%d",
			cfg.RxSize, cfg.TxSize, XSK_RING_CONS__DEFAULT_NUM_DESCS, XSK_RING_PROD__DEFAULT_NUM_DESCS)
	}
	if cfg.LibbpfFlags != 0 || cfg.XdpFlags != 0 || cfg.BindFlags != 0 {
		t.Errorf("flags not zeroed: %+v", cfg)
	}
}

func TestSocketConfigQueueSizes(t *testing.T) {
	for _, size := range []uint32{0, 3, 1000} {
		var cfg SocketConfig
		err := setSocketConfig(&cfg, &SocketConfig{RxSize: size, TxSize: 8})
		if !errors.Is(err, ErrQueueSizeNotPowerOfTwo) {
			t.Errorf("rx size %d: err = %v, want ErrQueueSizeNotPowerOfTwo", size, err)
		}
		err = setSocketConfig(&cfg, &SocketConfig{RxSize: 8, TxSize: size})
		if !errors.Is(err, ErrQueueSizeNotPowerOfTwo) {
			t.Errorf("tx size %d: err = %v, want ErrQueueSizeNotPowerOfTwo", size, err)
		}
	}
}

func TestSocketConfigLibbpfFlags(t *testing.T) {
	var cfg SocketConfig
	err := setSocketConfig(&cfg, &SocketConfig{RxSize: 8, TxSize: 8, LibbpfFlags: 1 << 4})
	if err != unix.EINVAL {
		t.Errorf("unknown libbpf flag: err = %v, want EINVAL", err)
	}
	err = setSocketConfig(&cfg, &SocketConfig{
		RxSize: 8, TxSize: 8,
		LibbpfFlags: XSK_LIBBPF_FLAGS__INHIBIT_PROG_LOAD,
	})
	if err != nil {
		t.Errorf("inhibit flag rejected: %v", err)
	}
	if cfg.LibbpfFlags != XSK_LIBBPF_FLAGS__INHIBIT_PROG_LOAD {
		t.Errorf("LibbpfFlags = %#x, not copied", cfg.LibbpfFlags)
	}
}

func TestPowerOfTwo(t *testing.T) {
	for _, n := range []uint32{1, 2, 4, 1024, 1 << 31} {
		if !powerOfTwo(n) {
			t.Errorf("powerOfTwo(%d) = false", n)
		}
	}
	for _, n := range []uint32{0, 3, 5, 6, 1022, 1<<31 + 1} {
		if powerOfTwo(n) {
			t.Errorf("powerOfTwo(%d) = true", n)
		}
	}
}
