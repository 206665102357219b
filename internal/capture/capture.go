// Package capture is the packet acquisition layer: it delivers raw
// IPv4 packet bytes to the detector. §1 treats this layer as an
// external collaborator ("whether via a netfilter-userspace queue or
// a filtered raw link socket is an implementation choice"); this
// package gives both choices a concrete, swappable home behind one
// interface, selected by config.Capture.UseRawSocket.
package capture

import "context"

// Source delivers raw IPv4 packets that have already been filtered
// down to "TCP SYN without ACK" by the acquisition layer itself — the
// detector only re-validates that it can read a source address out of
// what it's handed.
type Source interface {
	// Next blocks until a packet is available or a read fails. ctx is
	// checked between reads, so how soon a cancelled ctx is noticed
	// depends on the implementation's read timeout.
	Next(ctx context.Context) ([]byte, error)
	Close() error
}
