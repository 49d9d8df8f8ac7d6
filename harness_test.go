package xsk

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vishvananda/netlink"
)

// Kernel-backed tests need CAP_NET_ADMIN and friends; everything below
// skips without root. The pure ring, cursor and config tests run anywhere.

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
}

var vethSeq uint32

type vethPair struct {
	name      string
	peerName  string
	index     int
	peerIndex int
}

// newVethPair creates a veth pair, brings both ends up and tears the pair
// down when the test finishes. IPv6 is disabled on both ends so autoconf
// traffic does not land in the rx sockets under test.
func newVethPair(t *testing.T) *vethPair {
	t.Helper()
	requireRoot(t)

	seq := atomic.AddUint32(&vethSeq, 1)
	name := fmt.Sprintf("xsktest%d", seq)
	peerName := fmt.Sprintf("xskecho%d", seq)

	la := netlink.NewLinkAttrs()
	la.Name = name
	veth := &netlink.Veth{LinkAttrs: la, PeerName: peerName}
	if err := netlink.LinkAdd(veth); err != nil {
		t.Fatalf("LinkAdd %s failed: %v", name, err)
	}
	t.Cleanup(func() { netlink.LinkDel(veth) })

	link, err := netlink.LinkByName(name)
	if err != nil {
		t.Fatalf("LinkByName %s failed: %v", name, err)
	}
	peer, err := netlink.LinkByName(peerName)
	if err != nil {
		t.Fatalf("LinkByName %s failed: %v", peerName, err)
	}

	disableIPv6(name)
	disableIPv6(peerName)

	if err := netlink.LinkSetUp(link); err != nil {
		t.Fatalf("LinkSetUp %s failed: %v", name, err)
	}
	if err := netlink.LinkSetUp(peer); err != nil {
		t.Fatalf("LinkSetUp %s failed: %v", peerName, err)
	}
	// Carrier comes up a moment after both ends do.
	time.Sleep(100 * time.Millisecond)

	return &vethPair{
		name:      name,
		peerName:  peerName,
		index:     link.Attrs().Index,
		peerIndex: peer.Attrs().Index,
	}
}

func disableIPv6(ifname string) {
	// Missing file just means the kernel has no IPv6.
	os.WriteFile("/proc/sys/net/ipv6/conf/"+ifname+"/disable_ipv6", []byte("1"), 0644)
}

type testXsk struct {
	umem  *Umem
	descs []FrameDesc
	sock  *Socket
}

// buildXsk builds a umem and a socket on it, both cleaned up when the
// test finishes.
func buildXsk(t *testing.T, ifname string, queueID uint32, umemCfg *UmemConfig, sockCfg *SocketConfig, frameCount uint32) *testXsk {
	t.Helper()
	umem, descs, err := NewUmem(umemCfg, frameCount, false)
	if err != nil {
		t.Fatalf("NewUmem failed: %v", err)
	}
	sock, err := NewSocket(ifname, queueID, umem, sockCfg)
	if err != nil {
		umem.Close()
		t.Fatalf("NewSocket on %s queue %d failed: %v", ifname, queueID, err)
	}
	t.Cleanup(func() {
		sock.Close()
		umem.Close()
	})
	return &testXsk{umem: umem, descs: descs, sock: sock}
}
