package xsk

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/pkg/errors"
)

// Program is the default XDP redirect program together with the XSKMAP it
// steers by. NewSocket loads and attaches one per socket unless
// XSK_LIBBPF_FLAGS__INHIBIT_PROG_LOAD is set; multi-queue applications
// load one themselves, attach it once and register every socket in it.
type Program struct {
	Prog    *ebpf.Program
	Sockets *ebpf.Map
	link    link.Link
}

// NewProgram builds the program and an XSKMAP with room for maxQueues
// queues, without attaching anything yet.
func NewProgram(maxQueues uint32) (*Program, error) {
	xsksMap, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: maxQueues,
	})
	if err != nil {
		return nil, errors.Wrap(err, "ebpf.NewMap xsks_map failed (try increasing RLIMIT_MEMLOCK)")
	}

	/*
		The 5.3+ variant of the default program from libbpf's
		xsk_load_xdp_prog(): no qidconf lookup, bpf_redirect_map itself
		falls back to XDP_PASS for queues without a registered socket.

		SEC("xdp_sock") int xsk_def_prog(struct xdp_md *ctx)
		{
			return bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS);
		}
	*/
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name: "xsk_def_prog",
		Type: ebpf.XDP,
		Instructions: asm.Instructions{
			// r2 = *(u32 *)(r1 + 16), the rx_queue_index field of xdp_md
			asm.LoadMem(asm.R2, asm.R1, 16, asm.Word),
			asm.LoadMapPtr(asm.R1, xsksMap.FD()),
			// r3 = XDP_PASS
			asm.Mov.Imm(asm.R3, 2),
			asm.FnRedirectMap.Call(),
			asm.Return(),
		},
		License: "LGPL-2.1 or BSD-2-Clause",
	})
	if err != nil {
		xsksMap.Close()
		return nil, errors.Wrap(err, "ebpf.NewProgram xsk_def_prog failed")
	}
	return &Program{Prog: prog, Sockets: xsksMap}, nil
}

// Attach attaches the program to the interface. flags picks the attach
// mode (generic, driver, offload); zero lets the kernel choose.
func (p *Program) Attach(ifindex int, flags link.XDPAttachFlags) error {
	l, err := link.AttachXDP(link.XDPOptions{
		Program:   p.Prog,
		Interface: ifindex,
		Flags:     flags,
	})
	if err != nil {
		return errors.Wrap(err, "link.AttachXDP failed")
	}
	p.link = l
	return nil
}

// Detach removes the program from its interface. Registered sockets stop
// receiving redirected packets.
func (p *Program) Detach() error {
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			return err
		}
		p.link = nil
	}
	return nil
}

// Register steers packets arriving on queueID to the socket behind fd.
func (p *Program) Register(queueID uint32, fd int) error {
	return p.Sockets.Put(queueID, uint32(fd))
}

// Unregister removes the queueID entry from the map.
func (p *Program) Unregister(queueID uint32) error {
	return p.Sockets.Delete(queueID)
}

// Close detaches the program and releases it and the map.
func (p *Program) Close() error {
	if p == nil {
		return nil
	}
	if p.link != nil {
		p.link.Close()
		p.link = nil
	}
	if p.Prog != nil {
		p.Prog.Close()
		p.Prog = nil
	}
	if p.Sockets != nil {
		p.Sockets.Close()
		p.Sockets = nil
	}
	return nil
}

// setupXdpProg loads the default program sized to the interface's channel
// count, attaches it and registers fd under queueID. Used by NewSocket.
func setupXdpProg(ifname string, ifindex int, queueID uint32, fd int, flags link.XDPAttachFlags) (*Program, error) {
	prog, err := NewProgram(maxQueueCount(ifname, queueID))
	if err != nil {
		return nil, err
	}
	err = prog.Attach(ifindex, flags)
	if err != nil {
		prog.Close()
		return nil, err
	}
	err = prog.Register(queueID, fd)
	if err != nil {
		prog.Close()
		return nil, err
	}
	return prog, nil
}
