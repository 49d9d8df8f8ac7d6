package xsk

import (
	"testing"

	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
)

func xdpAttached(t *testing.T, ifindex int) bool {
	t.Helper()
	l, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		t.Fatalf("LinkByIndex %d failed: %v", ifindex, err)
	}
	xdp := l.Attrs().Xdp
	return xdp != nil && xdp.Attached
}

func TestProgramLifecycle(t *testing.T) {
	pair := newVethPair(t)

	prog, err := NewProgram(4)
	if err != nil {
		t.Fatalf("NewProgram failed: %v", err)
	}
	defer prog.Close()

	if xdpAttached(t, pair.index) {
		t.Fatalf("interface has an XDP program before Attach")
	}
	if err := prog.Attach(pair.index, link.XDPGenericMode); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if !xdpAttached(t, pair.index) {
		t.Errorf("interface reports no XDP program after Attach")
	}

	x := buildXsk(t, pair.name, 0, nil,
		&SocketConfig{RxSize: 8, TxSize: 8, LibbpfFlags: XSK_LIBBPF_FLAGS__INHIBIT_PROG_LOAD}, 8)
	if err := prog.Register(0, x.sock.Fd()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := prog.Unregister(0); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if err := prog.Unregister(0); err == nil {
		t.Errorf("Unregister of an empty slot succeeded")
	}

	if err := prog.Detach(); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if xdpAttached(t, pair.index) {
		t.Errorf("interface still reports an XDP program after Detach")
	}

	if err := prog.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := prog.Close(); err != nil {
		t.Errorf("closing again = %v, want nil", err)
	}
}

// TestSocketAutoProgram checks that NewSocket without the inhibit flag
// loads and attaches the default program, and takes it down again with the
// socket.
func TestSocketAutoProgram(t *testing.T) {
	pair := newVethPair(t)

	x := buildXsk(t, pair.name, 0, nil,
		&SocketConfig{RxSize: 8, TxSize: 8, XdpFlags: link.XDPGenericMode}, 8)
	if !xdpAttached(t, pair.index) {
		t.Errorf("interface reports no XDP program after NewSocket")
	}
	if err := x.sock.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if xdpAttached(t, pair.index) {
		t.Errorf("interface still reports an XDP program after the socket closed")
	}
}
