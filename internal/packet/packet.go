/*
Velum Remailer - Mixminion-style anonymous remailer node.
Copyright © 2023-2024 The Velum contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package packet defines the packet processor boundary: the interface a
// cryptographic unwrap engine implements and the outcomes it can hand
// back to the pipeline.
package packet

import (
	"crypto/rsa"
	"crypto/sha1"
	"fmt"

	"github.com/velumlabs/velum/internal/hashlog"
)

// Size is the fixed length of a type III packet, in bytes.
const Size = 1 << 15

// Packet is a raw fixed-size packet as read off the wire or out of a
// spool file.
type Packet []byte

// Digest returns the 20-byte replay digest of the packet.
func (p Packet) Digest() []byte {
	sum := sha1.Sum(p)
	return sum[:]
}

// RelayAddress names the next hop of a relayed packet.
type RelayAddress struct {
	IP       string
	Hostname string
	Port     uint16
	KeyID    []byte
}

func (a RelayAddress) String() string {
	host := a.Hostname
	if host == "" {
		host = a.IP
	}
	return fmt.Sprintf("%s:%d", host, a.Port)
}

// RelayedPacket is an unwrapped packet whose next stop is another
// server.
type RelayedPacket struct {
	Address RelayAddress
	Packet  Packet
}

// DeliveryPacket is an unwrapped packet that exits here: its payload is
// handed to the delivery module registered for Type.
type DeliveryPacket struct {
	// Type tags the delivery module, e.g. "mbox" or "smtp".
	Type    string
	Address string
	Tag     []byte
	Payload []byte
}

// Result is what unwrapping a packet produced. Exactly one of Relay and
// Delivery is set; both nil means the packet was padding addressed to
// this server and there is nothing left to do.
type Result struct {
	Relay    *RelayedPacket
	Delivery *DeliveryPacket
}

// KeySet is one dated set of private keys the processor decrypts with.
type KeySet struct {
	Name      string
	PacketKey *rsa.PrivateKey
	ReplayLog *hashlog.Log
}

// Processor unwraps one layer of encryption from packets addressed to
// this server. Implementations are safe for use from multiple worker
// goroutines.
type Processor interface {
	// Process unwraps a packet. A nil Result with a nil error means
	// the packet was padding. Errors are one of the typed errors in
	// this package, or an unexpected internal failure.
	Process(p Packet) (*Result, error)

	// SetKeys atomically replaces the key sets packets may be
	// encrypted to. More than one set is live during key overlap.
	SetKeys(keys []KeySet)

	// SyncLogs flushes the replay logs of all live key sets.
	SyncLogs() error

	Close() error
}

// ParseError reports a packet that is not structurally a packet at
// all: wrong length or malformed headers. The packet is dropped.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string {
	return "packet: malformed: " + e.Msg
}

// CryptoError reports a packet that failed decryption, digest or
// replay checks. The packet is dropped.
type CryptoError struct {
	Msg string
}

func (e *CryptoError) Error() string {
	return "packet: crypto failure: " + e.Msg
}

// ContentError reports a packet that decrypted fine but carries an
// unusable routing type or payload. The packet is dropped.
type ContentError struct {
	Msg string
}

func (e *ContentError) Error() string {
	return "packet: unusable content: " + e.Msg
}

// IsDroppable reports whether err is one of the typed processing
// errors that indicate a bad packet rather than a server fault. Bad
// packets are logged and deleted; server faults are not.
func IsDroppable(err error) bool {
	switch err.(type) {
	case *ParseError, *CryptoError, *ContentError:
		return true
	}
	return false
}
