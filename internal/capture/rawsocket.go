// rawsocket.go implements the "filtered raw link socket" capture mode
// §1 names as one of the two acceptable acquisition strategies. It
// opens an AF_PACKET/SOCK_RAW socket with golang.org/x/sys/unix — an
// indirect dependency the teacher already carries — and decodes
// frames with github.com/google/gopacket/layers, the packet-decode
// library the gravwell-gravwell pack repo's network ingesters
// (ingesters/networkLog, ingesters/pcapFileIngester) use for the same
// job: pull Ethernet/IPv4/TCP layers out of a raw frame.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
)

// htons converts a 16-bit value to network byte order, needed because
// AF_PACKET's protocol argument to socket(2) is specified in network
// byte order regardless of host endianness.
func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

// RawSocketSource reads every Ethernet frame on every interface and
// yields the IPv4 header+payload of frames that are TCP SYN without
// ACK, matching the filtering the spec says the acquisition layer
// performs before the detector ever sees a packet.
type RawSocketSource struct {
	fd  int
	buf []byte
}

// NewRawSocketSource opens the raw capture socket. Requires
// CAP_NET_RAW (typically root).
func NewRawSocketSource() (*RawSocketSource, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("capture: open AF_PACKET socket: %w", err)
	}
	// A short receive timeout lets Next observe ctx cancellation
	// without blocking indefinitely in recvfrom(2).
	tv := unix.NsecToTimeval(int64(time.Second))
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("capture: set receive timeout: %w", err)
	}
	return &RawSocketSource{fd: fd, buf: make([]byte, 65536)}, nil
}

// Next reads frames until it finds a TCP SYN-without-ACK IPv4 packet,
// ctx is cancelled, or the socket is closed.
func (s *RawSocketSource) Next(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, _, err := unix.Recvfrom(s.fd, s.buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue // read timeout elapsed, loop back to the ctx check
			}
			return nil, fmt.Errorf("capture: recvfrom: %w", err)
		}

		pkt := gopacket.NewPacket(s.buf[:n], layers.LayerTypeEthernet, gopacket.Default)
		ip4, ok := layerIPv4(pkt)
		if !ok || ip4.Protocol != layers.IPProtocolTCP {
			continue
		}
		tcp, ok := layerTCP(pkt)
		if !ok || !tcp.SYN || tcp.ACK {
			continue
		}

		out := make([]byte, 0, len(ip4.Contents)+len(ip4.Payload))
		out = append(out, ip4.Contents...)
		out = append(out, ip4.Payload...)
		return out, nil
	}
}

// Close releases the raw socket.
func (s *RawSocketSource) Close() error {
	return unix.Close(s.fd)
}

func layerIPv4(pkt gopacket.Packet) (*layers.IPv4, bool) {
	l := pkt.Layer(layers.LayerTypeIPv4)
	if l == nil {
		return nil, false
	}
	ip4, ok := l.(*layers.IPv4)
	return ip4, ok
}

func layerTCP(pkt gopacket.Packet) (*layers.TCP, bool) {
	l := pkt.Layer(layers.LayerTypeTCP)
	if l == nil {
		return nil, false
	}
	tcp, ok := l.(*layers.TCP)
	return tcp, ok
}
