package main

import (
	"context"
	"encoding/binary"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/features"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/dustin/go-humanize"
	"github.com/go-xsk/xsk"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sys/unix"
)

// timestampOffset returns where a timestamped payload starts for the
// given protocol name, or 0 when the name is unknown.
func timestampOffset(mode string) int {
	const (
		ethHeaderLen  = 14
		ipHeaderLen   = 20
		tcpHeaderLen  = 20
		udpHeaderLen  = 8
		icmpHeaderLen = 8
	)
	switch strings.ToUpper(mode) {
	case "TCP":
		return ethHeaderLen + ipHeaderLen + tcpHeaderLen
	case "UDP":
		return ethHeaderLen + ipHeaderLen + udpHeaderLen
	case "ICMP":
		return ethHeaderLen + ipHeaderLen + icmpHeaderLen
	default:
		return 0
	}
}

func main() {
	iface := flag.String("i", "", "interface name")
	queueNum := flag.Int("q", 1, "queue quantity")
	generic := flag.Bool("g", false, "force generic (skb) XDP mode")
	dumpNum := flag.Int("d", 0, "hex dump and decode the first N packets per queue")
	latency := flag.Bool("t", false, "read a send timestamp after the headers and report latency")
	mode := flag.String("m", "udp", "protocol for the timestamp offset (udp, tcp, icmp)")
	frameNum := flag.Int("n", 4096, "frames per queue")
	flag.Parse()

	if *iface == "" {
		log.Fatalf("interface name required (-i)")
	}
	if *queueNum < 1 {
		log.Fatalf("queue quantity must be greater than 0.")
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		log.Fatalf("RemoveMemlock failed: %v", err)
	}
	tsOffset := 0
	if *latency {
		tsOffset = timestampOffset(*mode)
		if tsOffset == 0 {
			log.Fatalf("unknown mode %q", *mode)
		}
	}

	log.Println("Support XDP", features.HaveProgType(ebpf.XDP) == nil)
	log.Println("Support XSKMap", features.HaveMapType(ebpf.XSKMap) == nil)
	log.Println("Support bpf_redirect_map", features.HaveProgramHelper(ebpf.XDP, asm.FnRedirectMap) == nil)

	netIface, err := net.InterfaceByName(*iface)
	if err != nil {
		log.Fatalf("InterfaceByName failed: %v", err)
	}
	var xdpFlags link.XDPAttachFlags
	if *generic {
		xdpFlags = link.XDPGenericMode
	}

	// A single queue leans on the program NewSocket loads by itself. More
	// queues need one shared program with every socket registered in it.
	var prog *xsk.Program
	if *queueNum > 1 {
		prog, err = xsk.NewProgram(uint32(*queueNum))
		if err != nil {
			log.Fatalf("NewProgram failed: %v", err)
		}
		if err := prog.Attach(netIface.Index, xdpFlags); err != nil {
			log.Fatalf("Attach failed: %v", err)
		}
	}

	pktMeter := metrics.NewMeter()
	byteMeter := metrics.NewMeter()
	latHist := metrics.NewHistogram(metrics.NewUniformSample(2048))
	ctx, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	sockets := make([]*xsk.Socket, 0, *queueNum)
	umems := make([]*xsk.Umem, 0, *queueNum)

	for queueID := 0; queueID < *queueNum; queueID++ {
		umem, descs, err := xsk.NewUmem(nil, uint32(*frameNum), false)
		if err != nil {
			log.Fatalf("NewUmem failed: %v", err)
		}
		config := &xsk.SocketConfig{
			RxSize:    xsk.XSK_RING_CONS__DEFAULT_NUM_DESCS,
			TxSize:    xsk.XSK_RING_PROD__DEFAULT_NUM_DESCS,
			XdpFlags:  xdpFlags,
			BindFlags: unix.XDP_USE_NEED_WAKEUP,
		}
		if prog != nil {
			config.LibbpfFlags = xsk.XSK_LIBBPF_FLAGS__INHIBIT_PROG_LOAD
		}
		sock, err := xsk.NewSocket(*iface, uint32(queueID), umem, config)
		if err != nil {
			log.Fatalf("NewSocket failed: %v", err)
		}
		if prog != nil {
			if err := prog.Register(uint32(queueID), sock.Fd()); err != nil {
				log.Fatalf("Register failed: %v", err)
			}
		}
		umems = append(umems, umem)
		sockets = append(sockets, sock)

		// Give the kernel a full fill ring to receive into.
		fill := len(descs)
		if fill > int(xsk.XSK_RING_PROD__DEFAULT_NUM_DESCS) {
			fill = int(xsk.XSK_RING_PROD__DEFAULT_NUM_DESCS)
		}
		if _, err := sock.Fill.ProduceAndWakeup(descs[:fill], sock.Fd(), 0); err != nil {
			log.Fatalf("fill ProduceAndWakeup failed: %v", err)
		}

		wg.Add(1)
		go func(queueID int) {
			defer wg.Done()
			recvQueue(ctx, queueID, sockets[queueID], umems[queueID],
				*dumpNum, tsOffset, pktMeter, byteMeter, latHist)
		}(queueID)
	}

	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		var lastPkts, lastBytes int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				pkts := pktMeter.Count()
				bytes := byteMeter.Count()
				if *latency {
					ps := latHist.Percentiles([]float64{0.5, 0.99})
					log.Printf("%s pps, %s/s, total %s packets, latency p50 %dus p99 %dus",
						humanize.Comma(pkts-lastPkts),
						humanize.Bytes(uint64(bytes-lastBytes)),
						humanize.Comma(pkts),
						int64(ps[0]), int64(ps[1]))
				} else {
					log.Printf("%s pps, %s/s, 1m avg %s pps, total %s packets",
						humanize.Comma(pkts-lastPkts),
						humanize.Bytes(uint64(bytes-lastBytes)),
						humanize.Comma(int64(pktMeter.Rate1())),
						humanize.Comma(pkts))
				}
				lastPkts, lastBytes = pkts, bytes
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	<-sigs
	log.Println("Received termination signal, cleaning up...")
	cancel()
	wg.Wait()
	for i := range sockets {
		if stats, err := sockets[i].Stats(); err == nil {
			log.Printf("queue %d: %d dropped, %d invalid rx descs, %d rx ring full, %d fill ring empty",
				i, stats.RxDropped, stats.RxInvalidDescs, stats.RxRingFull, stats.RxFillRingEmptyDescs)
		}
		sockets[i].Close()
		umems[i].Close()
	}
	if prog != nil {
		prog.Detach()
		prog.Close()
	}
	log.Printf("Received %s packets, %s",
		humanize.Comma(pktMeter.Count()), humanize.Bytes(uint64(byteMeter.Count())))
}

// recvQueue consumes one rx ring and recycles every frame back into the
// fill queue.
func recvQueue(ctx context.Context, queueID int, sock *xsk.Socket, umem *xsk.Umem,
	dumpNum, tsOffset int, pktMeter, byteMeter metrics.Meter, latHist metrics.Histogram) {
	batch := make([]xsk.FrameDesc, 64)
	decodeOpts := gopacket.DecodeOptions{NoCopy: true, Lazy: true}
	dumped := 0
	for ctx.Err() == nil {
		n, err := sock.Rx.PollAndConsume(batch, 100)
		if err != nil {
			log.Printf("PollAndConsume failed: %v", err)
			return
		}
		if n == 0 {
			// Nothing arrived; make sure the driver keeps draining the
			// fill ring while we wait.
			if sock.Fill.NeedsWakeup() {
				sock.Fill.Wakeup(sock.Fd(), 0)
			}
			continue
		}
		pktMeter.Mark(int64(n))
		for i := 0; i < n; i++ {
			b, err := umem.Data(&batch[i])
			if err != nil {
				log.Printf("Data failed: %v", err)
				continue
			}
			byteMeter.Mark(int64(len(b)))
			if dumped < dumpNum {
				dumped++
				log.Printf("queue %d packet:\n%s", queueID, xsk.HexDump(b))
				pkt := gopacket.NewPacket(b, layers.LayerTypeEthernet, decodeOpts)
				if nl := pkt.NetworkLayer(); nl != nil {
					log.Printf("queue %d decoded: %v", queueID, nl.NetworkFlow())
				}
			}
			if tsOffset > 0 && len(b) >= tsOffset+8 {
				sent := int64(binary.LittleEndian.Uint64(b[tsOffset : tsOffset+8]))
				if diff := time.Now().UnixNano() - sent; diff >= 0 {
					latHist.Update(diff / int64(time.Microsecond))
				}
			}
		}
		for off := 0; off < n; {
			m, err := sock.Fill.ProduceAndWakeup(batch[off:n], sock.Fd(), 0)
			if err != nil {
				log.Printf("fill ProduceAndWakeup failed: %v", err)
				return
			}
			if m == 0 {
				// Ring momentarily full, kick the driver and retry.
				sock.Fill.Wakeup(sock.Fd(), 0)
				continue
			}
			off += m
		}
	}
}
