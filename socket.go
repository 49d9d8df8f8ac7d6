package xsk

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Socket is one AF_XDP socket bound to an interface queue. Rx and Tx are
// always present. Fill and Comp are non-nil only on the first socket
// created for a UMEM: that socket claims the UMEM's fill/completion pair
// for good, and every further socket sharing the UMEM leaves recycling to
// the claiming socket's queues.
type Socket struct {
	Rx   *RxQueue
	Tx   *TxQueue
	Fill *FillQueue
	Comp *CompQueue

	rxRing  xskRingCons
	txRing  xskRingProd
	fd      int
	umem    *Umem
	config  SocketConfig
	ifindex int
	queueID uint32
	prog    *Program
	closed  bool
}

// NewSocket creates an AF_XDP socket on the named interface and hardware
// queue, backed by umem.
//
// Parameters:
//   - ifname: name of the network interface.
//   - queueID: hardware queue to bind to.
//   - umem: the frame region the socket transmits from and receives into.
//   - usrConfig: ring sizing and flags, or nil for the defaults.
//
// Returns the socket, or an error with everything created torn down again.
//
// The function walks the libbpf setup order:
//  1. Validate the configuration and resolve the interface.
//  2. The first socket for a UMEM binds on the UMEM's own fd; later
//     sockets get a fresh fd and bind with XDP_SHARED_UMEM.
//  3. Size the rx and tx rings and map them into user space.
//  4. Bind to (ifindex, queueID).
//  5. Unless XSK_LIBBPF_FLAGS__INHIBIT_PROG_LOAD is set, load and attach
//     the default XDP program and register the socket in its XSKMAP under
//     queueID.
//  6. The first socket claims the UMEM's fill and completion queues.
func NewSocket(ifname string, queueID uint32, umem *Umem, usrConfig *SocketConfig) (*Socket, error) {
	var (
		sxdp  unix.SockaddrXDP
		off   unix.XDPMmapOffsets
		xsk   *Socket
		iface *net.Interface
		rxMem []byte
		txMem []byte
		first bool
		err   error
	)

	if umem == nil {
		return nil, unix.EFAULT
	}
	xsk = new(Socket)
	err = setSocketConfig(&xsk.config, usrConfig)
	if err != nil {
		return nil, err
	}
	iface, err = net.InterfaceByName(ifname)
	if err != nil {
		return nil, err
	}
	xsk.umem = umem
	xsk.ifindex = iface.Index
	xsk.queueID = queueID

	first = umem.refcount == 0
	if first {
		// The fd the UMEM was registered on carries the first binding.
		xsk.fd = umem.fd
	} else {
		xsk.fd, err = unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
		if err != nil {
			return nil, fmt.Errorf("unix.Socket AF_XDP failed: %v", err)
		}
	}

	err = unix.SetsockoptInt(xsk.fd, unix.SOL_XDP, unix.XDP_RX_RING, int(xsk.config.RxSize))
	if err != nil {
		err = fmt.Errorf("unix.SetsockoptInt XDP_RX_RING failed: %v", err)
		goto outSocket
	}
	err = unix.SetsockoptInt(xsk.fd, unix.SOL_XDP, unix.XDP_TX_RING, int(xsk.config.TxSize))
	if err != nil {
		err = fmt.Errorf("unix.SetsockoptInt XDP_TX_RING failed: %v", err)
		goto outSocket
	}
	off, err = getMmapOffsets(xsk.fd)
	if err != nil {
		goto outSocket
	}

	rxMem, err = unix.Mmap(xsk.fd, unix.XDP_PGOFF_RX_RING,
		int(off.Rx.Desc+uint64(xsk.config.RxSize)*uint64(unsafe.Sizeof(unix.XDPDesc{}))),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		err = fmt.Errorf("unix.Mmap XDP_PGOFF_RX_RING failed: %v", err)
		goto outSocket
	}
	xsk.rxRing.init(rxMem, off.Rx, xsk.config.RxSize)
	xsk.rxRing.cachedProd = *xsk.rxRing.producer
	xsk.rxRing.cachedCons = *xsk.rxRing.consumer

	txMem, err = unix.Mmap(xsk.fd, unix.XDP_PGOFF_TX_RING,
		int(off.Tx.Desc+uint64(xsk.config.TxSize)*uint64(unsafe.Sizeof(unix.XDPDesc{}))),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		err = fmt.Errorf("unix.Mmap XDP_PGOFF_TX_RING failed: %v", err)
		goto outMmapRx
	}
	xsk.txRing.init(txMem, off.Tx, xsk.config.TxSize)
	xsk.txRing.cachedProd = *xsk.txRing.producer
	// cachedCons runs size ahead of the consumer cursor, see nbFree.
	xsk.txRing.cachedCons = *xsk.txRing.consumer + xsk.config.TxSize

	sxdp.Ifindex = uint32(iface.Index)
	sxdp.QueueID = queueID
	if first {
		sxdp.Flags = xsk.config.BindFlags
	} else {
		// Sharing sockets inherit the first binding's mode; the kernel
		// rejects mode flags next to XDP_SHARED_UMEM.
		sxdp.Flags |= unix.XDP_SHARED_UMEM
		sxdp.SharedUmemFD = uint32(umem.fd)
	}
	err = unix.Bind(xsk.fd, &sxdp)
	if err != nil {
		err = fmt.Errorf("unix.Bind failed: %v", err)
		goto outMmapTx
	}

	if xsk.config.LibbpfFlags&XSK_LIBBPF_FLAGS__INHIBIT_PROG_LOAD == 0 {
		xsk.prog, err = setupXdpProg(ifname, iface.Index, queueID, xsk.fd, xsk.config.XdpFlags)
		if err != nil {
			goto outMmapTx
		}
	}

	xsk.Rx = &RxQueue{ring: &xsk.rxRing, fd: xsk.fd, umem: umem}
	xsk.Tx = &TxQueue{ring: &xsk.txRing, fd: xsk.fd, umem: umem}
	if !umem.claimed {
		umem.claimed = true
		xsk.Fill = &FillQueue{ring: &umem.fill, umem: umem}
		xsk.Comp = &CompQueue{ring: &umem.comp, umem: umem}
	}
	umem.refcount++
	return xsk, nil

outMmapTx:
	unix.Munmap(txMem)
outMmapRx:
	unix.Munmap(rxMem)
outSocket:
	if !first {
		unix.Close(xsk.fd)
	}
	return nil, err
}

// Fd returns the socket descriptor. Poll it readable for rx, writable for
// tx.
func (s *Socket) Fd() int {
	return s.fd
}

// QueueID returns the hardware queue the socket is bound to.
func (s *Socket) QueueID() uint32 {
	return s.queueID
}

// Close detaches the default XDP program if this socket loaded one, unmaps
// the rx and tx rings, closes the fd (unless it is the UMEM's own) and
// drops the UMEM reference. The UMEM's fill/completion pair stays claimed;
// the queues keep working for other sockets until the UMEM itself closes.
// Closing twice is a no-op.
func (s *Socket) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	if s.prog != nil {
		s.prog.Unregister(s.queueID)
		s.prog.Close()
		s.prog = nil
	}
	unix.Munmap(s.rxRing.mem)
	unix.Munmap(s.txRing.mem)
	// The UMEM's own fd lives until the UMEM closes.
	if s.fd != s.umem.fd {
		unix.Close(s.fd)
	}
	s.umem.refcount--
	return nil
}
