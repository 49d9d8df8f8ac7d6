package xsk

import (
	"fmt"
	"strings"
	"unicode"
	"unsafe"

	"golang.org/x/sys/unix"
)

/*
	struct ethtool_channels {
		__u32 cmd;
		__u32 max_rx;
		__u32 max_tx;
		__u32 max_other;
		__u32 max_combined;
		__u32 rx_count;
		__u32 tx_count;
		__u32 other_count;
		__u32 combined_count;
	};
*/
type EthtoolChannels struct {
	cmd           uint32
	MaxRX         uint32
	MaxTX         uint32
	MaxOther      uint32
	MaxCombined   uint32
	RXCount       uint32
	TXCount       uint32
	OtherCount    uint32
	CombinedCount uint32
}

type ifreqData struct {
	Name [unix.IFNAMSIZ]byte
	Data uintptr
	Pad  [16]byte // pad out to the kernel's 40-byte ifreq
}

// GetEthChannels reads the interface's channel configuration with the
// ETHTOOL_GCHANNELS ioctl. Useful for picking how many sockets to open on
// a multi-queue NIC, and for sizing the default program's XSKMAP.
// Interfaces without channel support (veth among them) report EOPNOTSUPP.
func GetEthChannels(ifName string) (*EthtoolChannels, error) {
	channels := EthtoolChannels{
		cmd: unix.ETHTOOL_GCHANNELS,
	}

	var ifr ifreqData
	copy(ifr.Name[:], ifName)
	ifr.Data = uintptr(unsafe.Pointer(&channels))

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("unix.Socket AF_INET failed: %v", err)
	}
	defer unix.Close(fd)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCETHTOOL), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		return nil, fmt.Errorf("unix.Syscall ioctl SIOCETHTOOL failed: %v", errno)
	}

	return &channels, nil
}

// maxQueueCount sizes the default program's XSKMAP for an interface. The
// channel maximums bound how many hardware queues can exist; when the
// ioctl is unsupported, the bound queue plus one keeps the map minimal.
func maxQueueCount(ifName string, queueID uint32) uint32 {
	channels, err := GetEthChannels(ifName)
	if err == nil {
		if n := channels.MaxCombined; n > queueID {
			return n
		}
		if n := channels.MaxRX; n > queueID {
			return n
		}
	}
	return queueID + 1
}

// HexDump renders data 16 bytes per line with the ASCII reading alongside,
// non-printable bytes as dots.
//
//	48 65 6C 6C 6F 2C 20 57 6F 72 6C 64 21           | Hello, World!
func HexDump(data []byte) string {
	const bytesPerLine = 16
	var b strings.Builder
	for i := 0; i < len(data); i += bytesPerLine {
		end := i + bytesPerLine
		if end > len(data) {
			end = len(data)
		}
		for j := i; j < end; j++ {
			fmt.Fprintf(&b, "%02X ", data[j])
		}
		for j := end; j < i+bytesPerLine; j++ {
			b.WriteString("   ")
		}
		b.WriteString(" | ")
		for j := i; j < end; j++ {
			if unicode.IsPrint(rune(data[j])) {
				b.WriteByte(data[j])
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
