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

// Package mmtp carries packets between mixes. Network I/O runs on
// internal goroutines; completion events are buffered and delivered
// through Process, so all callbacks fire on the scheduler goroutine.
package mmtp

import (
	"crypto/tls"
	"time"

	"github.com/velumlabs/velum/internal/packet"
)

// OutgoingPacket pairs a spool handle with the bytes to transmit, so
// delivery results can be reported back per entry.
type OutgoingPacket struct {
	Handle string
	Data   packet.Packet
}

// Callbacks receive transport completion events. All of them are
// invoked from within Process.
type Callbacks struct {
	// Received is called once per complete inbound packet.
	Received func(data packet.Packet)

	// Sent is called when a packet was acknowledged by the next hop.
	Sent func(handle string)

	// Undeliverable is called when a packet could not be handed over.
	// retriable distinguishes transient network failures from
	// permanent rejection.
	Undeliverable func(handle string, retriable bool, cause string)
}

// Transport is the server-to-server packet channel. Implementations
// are driven cooperatively: Process performs up to maxWait of event
// delivery and is the only place callbacks run.
type Transport interface {
	// Process waits up to maxWait for completion events and dispatches
	// them. Returns early when an event arrives.
	Process(maxWait time.Duration)

	// SendPackets queues a batch for one next-hop address. Results
	// arrive via the Sent/Undeliverable callbacks.
	SendPackets(addr packet.RelayAddress, pkts []OutgoingPacket)

	// SetCredentials installs the transport certificate for the
	// current key set. Safe to call while running; new connections
	// pick up the new certificate.
	SetCredentials(cert tls.Certificate)

	// TryTimeout reaps connections idle past their deadline.
	TryTimeout(now time.Time)

	// NextTimeout reports when TryTimeout next has work to do.
	NextTimeout(now time.Time) time.Time

	Close() error
}
