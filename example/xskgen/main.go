package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/dustin/go-humanize"
	"github.com/go-xsk/xsk"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sys/unix"
)

func main() {
	iface := flag.String("i", "", "interface name")
	queueNum := flag.Int("q", 1, "queue quantity")
	flowPath := flag.String("c", "", "flow description file (yaml), default 64-byte UDP broadcast")
	rate := flag.Int("r", 0, "per-queue packets per second, 0 for unlimited")
	frameNum := flag.Int("n", 4096, "frames per queue")
	batchSize := flag.Int("b", 64, "tx batch size")
	hugePages := flag.Bool("hp", false, "back the frame regions with huge pages")
	flag.Parse()

	if *iface == "" {
		log.Fatalf("interface name required (-i)")
	}
	if *queueNum < 1 {
		log.Fatalf("queue quantity must be greater than 0.")
	}
	if *batchSize < 1 {
		log.Fatalf("batch size must be greater than 0.")
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		log.Fatalf("RemoveMemlock failed: %v", err)
	}

	flow, err := loadFlow(*flowPath)
	if err != nil {
		log.Fatalf("loadFlow failed: %v", err)
	}

	// Interfaces without channel support report nothing to check against.
	if ethChannels, err := xsk.GetEthChannels(*iface); err == nil {
		maxQueueNum := int(ethChannels.TXCount)
		if maxQueueNum == 0 {
			maxQueueNum = int(ethChannels.CombinedCount)
		}
		if maxQueueNum != 0 && maxQueueNum < *queueNum {
			log.Fatalf("queue quantity must be less than or equal to %d.", maxQueueNum)
		}
	}

	pktMeter := metrics.NewMeter()
	byteMeter := metrics.NewMeter()
	ctx, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	sockets := make([]*xsk.Socket, 0, *queueNum)
	umems := make([]*xsk.Umem, 0, *queueNum)

	for queueID := 0; queueID < *queueNum; queueID++ {
		umem, descs, err := xsk.NewUmem(nil, uint32(*frameNum), *hugePages)
		if err != nil {
			log.Fatalf("NewUmem failed: %v", err)
		}
		if umem.MTU() < flow.PacketSize {
			log.Fatalf("packet size %d exceeds the frame MTU %d.", flow.PacketSize, umem.MTU())
		}
		sock, err := xsk.NewSocket(*iface, uint32(queueID), umem, &xsk.SocketConfig{
			RxSize:      xsk.XSK_RING_CONS__DEFAULT_NUM_DESCS,
			TxSize:      xsk.XSK_RING_PROD__DEFAULT_NUM_DESCS,
			LibbpfFlags: xsk.XSK_LIBBPF_FLAGS__INHIBIT_PROG_LOAD,
			BindFlags:   unix.XDP_USE_NEED_WAKEUP,
		})
		if err != nil {
			log.Fatalf("NewSocket failed: %v", err)
		}
		umems = append(umems, umem)
		sockets = append(sockets, sock)

		gen, err := compile(flow, time.Now().UnixNano()+int64(queueID))
		if err != nil {
			log.Fatalf("compile flow failed: %v", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			runQueue(ctx, sock, umem, descs, gen, *batchSize, *rate, pktMeter, byteMeter)
		}()
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
				log.Printf("%s pps, %s/s, 1m avg %s pps, total %s packets",
					humanize.Comma(pkts-lastPkts),
					humanize.Bytes(uint64(bytes-lastBytes)),
					humanize.Comma(int64(pktMeter.Rate1())),
					humanize.Comma(pkts))
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
			log.Printf("queue %d: %d invalid tx descs, %d empty tx ring reads",
				i, stats.TxInvalidDescs, stats.TxRingEmptyDescs)
		}
		sockets[i].Close()
		umems[i].Close()
	}
	log.Printf("Sent %s packets, %s",
		humanize.Comma(pktMeter.Count()), humanize.Bytes(uint64(byteMeter.Count())))
}

// runQueue keeps one tx ring saturated: prime a ring's worth of frames,
// then move frames from the completion queue straight back into the tx
// queue until the context ends.
func runQueue(ctx context.Context, sock *xsk.Socket, umem *xsk.Umem, descs []xsk.FrameDesc,
	gen *generator, batchSize, rate int, pktMeter, byteMeter metrics.Meter) {
	burst := int(xsk.XSK_RING_PROD__DEFAULT_NUM_DESCS)
	if burst > len(descs) {
		burst = len(descs)
	}
	for off := 0; off < burst; off += batchSize {
		end := off + batchSize
		if end > burst {
			end = burst
		}
		for i := off; i < end; i++ {
			if err := writeFrame(gen, umem, &descs[i]); err != nil {
				log.Printf("writeFrame failed: %v", err)
				return
			}
		}
		n, err := sock.Tx.ProduceAndWakeup(descs[off:end])
		if err != nil {
			log.Printf("ProduceAndWakeup failed: %v", err)
			return
		}
		pktMeter.Mark(int64(n))
		byteMeter.Mark(int64(n * gen.size))
	}

	completed := make([]xsk.FrameDesc, batchSize)
	window := 0
	windowStart := time.Now()
	for ctx.Err() == nil {
		if rate > 0 && window >= rate {
			// Burned through this second's budget, sleep out the rest.
			if rest := time.Second - time.Since(windowStart); rest > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(rest):
				}
			}
			window = 0
			windowStart = time.Now()
		}

		n := sock.Comp.Consume(completed)
		if n == 0 {
			if err := sock.Tx.Wakeup(); err != nil {
				log.Printf("Wakeup failed: %v", err)
				return
			}
			continue
		}
		for i := 0; i < n; i++ {
			if gen.dynamic {
				if err := writeFrame(gen, umem, &completed[i]); err != nil {
					log.Printf("writeFrame failed: %v", err)
					return
				}
			} else {
				// Same bytes as last time, only the length needs restoring.
				completed[i].DataLen = uint32(gen.size)
			}
		}
		sent, err := sock.Tx.ProduceAndWakeup(completed[:n])
		if err != nil {
			log.Printf("ProduceAndWakeup failed: %v", err)
			return
		}
		pktMeter.Mark(int64(sent))
		byteMeter.Mark(int64(sent * gen.size))
		window += sent
	}
}

// writeFrame serializes the next packet of the flow into the frame's data
// segment, which also sets the descriptor's data length.
func writeFrame(gen *generator, umem *xsk.Umem, desc *xsk.FrameDesc) error {
	pkt, err := gen.next()
	if err != nil {
		return err
	}
	cur, err := umem.DataMut(desc)
	if err != nil {
		return err
	}
	cur.SetPos(0)
	_, err = cur.Write(pkt)
	return err
}
