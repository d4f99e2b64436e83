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

package mmtp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
	"github.com/velumlabs/velum/internal/sinfo"
)

func testPacket(fill byte) packet.Packet {
	p := make(packet.Packet, packet.Size)
	for i := range p {
		p[i] = fill
	}
	return p
}

func relayAddrOf(t *testing.T, tr *TCPTransport) packet.RelayAddress {
	t.Helper()
	addr := tr.listener.Addr().(*net.TCPAddr)
	return packet.RelayAddress{IP: "127.0.0.1", Port: uint16(addr.Port)}
}

// processUntil pumps Process until cond holds or the deadline passes.
func processUntil(t *testing.T, tr *TCPTransport, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "transport event did not arrive")
		tr.Process(50 * time.Millisecond)
	}
}

func TestSendReceive(t *testing.T) {
	var received []packet.Packet
	recv, err := NewTCP("127.0.0.1:0", nil, nil, Callbacks{
		Received: func(data packet.Packet) { received = append(received, data) },
	}, log.Logger{})
	require.NoError(t, err)
	defer recv.Close()

	var sent, failed []string
	send, err := NewTCP("127.0.0.1:0", nil, nil, Callbacks{
		Sent: func(handle string) { sent = append(sent, handle) },
		Undeliverable: func(handle string, retriable bool, cause string) {
			failed = append(failed, handle)
		},
	}, log.Logger{})
	require.NoError(t, err)
	defer send.Close()

	send.SendPackets(relayAddrOf(t, recv), []OutgoingPacket{
		{Handle: "h1", Data: testPacket(0xAA)},
		{Handle: "h2", Data: testPacket(0xBB)},
	})

	processUntil(t, send, func() bool { return len(sent) == 2 })
	processUntil(t, recv, func() bool { return len(received) == 2 })

	assert.Empty(t, failed)
	assert.Equal(t, []string{"h1", "h2"}, sent)
	assert.Equal(t, testPacket(0xAA), received[0])
	assert.Equal(t, testPacket(0xBB), received[1])
}

func TestUndeliverableIsRetriable(t *testing.T) {
	// Grab a port nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	require.NoError(t, l.Close())

	type failure struct {
		handle    string
		retriable bool
	}
	var failures []failure
	send, err := NewTCP("127.0.0.1:0", nil, nil, Callbacks{
		Undeliverable: func(handle string, retriable bool, cause string) {
			failures = append(failures, failure{handle, retriable})
		},
	}, log.Logger{})
	require.NoError(t, err)
	defer send.Close()

	send.SendPackets(packet.RelayAddress{IP: "127.0.0.1", Port: port}, []OutgoingPacket{
		{Handle: "h1", Data: testPacket(0x01)},
	})

	processUntil(t, send, func() bool { return len(failures) == 1 })
	assert.Equal(t, "h1", failures[0].handle)
	assert.True(t, failures[0].retriable)
}

func TestReceiveBackpressureWithholdsAck(t *testing.T) {
	var received int
	recv, err := NewTCP("127.0.0.1:0", nil, nil, Callbacks{
		Received: func(data packet.Packet) { received++ },
	}, log.Logger{})
	require.NoError(t, err)
	defer recv.Close()

	// Saturate the event queue so the next inbound packet cannot be
	// handed to the scheduler.
	filled := 0
	for recv.postEvent(event{sent: true, handle: "x"}) {
		filled++
	}
	require.NotZero(t, filled)

	conn, err := net.Dial("tcp", recv.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, writeFrame(conn, framePacket, testPacket(0x5A)))

	// No ack may arrive while the queue is full: an acked packet that
	// never reaches the scheduler would be lost for good.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = readFrame(conn)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
	assert.Zero(t, received)

	// Once the queue drains, a retry of the same packet goes through.
	recv.Process(50 * time.Millisecond)
	require.NoError(t, writeFrame(conn, framePacket, testPacket(0x5A)))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, _, err := readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, frameAck, kind)
	processUntil(t, recv, func() bool { return received == 1 })
}

func TestDenyRuleRejectsConnection(t *testing.T) {
	deny, err := sinfo.ParseRule("127.0.0.1", false)
	require.NoError(t, err)

	var received int
	recv, err := NewTCP("127.0.0.1:0", nil, []sinfo.Rule{deny}, Callbacks{
		Received: func(data packet.Packet) { received++ },
	}, log.Logger{})
	require.NoError(t, err)
	defer recv.Close()

	send, err := NewTCP("127.0.0.1:0", nil, nil, Callbacks{}, log.Logger{})
	require.NoError(t, err)
	defer send.Close()

	send.SendPackets(relayAddrOf(t, recv), []OutgoingPacket{
		{Handle: "h1", Data: testPacket(0x01)},
	})

	// Give the rejected connection time to be torn down.
	for i := 0; i < 10; i++ {
		recv.Process(20 * time.Millisecond)
	}
	assert.Zero(t, received)
}

func TestTimeoutReapsIdleConns(t *testing.T) {
	recv, err := NewTCP("127.0.0.1:0", nil, nil, Callbacks{}, log.Logger{})
	require.NoError(t, err)
	defer recv.Close()

	conn, err := net.Dial("tcp", recv.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Wait until the accept loop registered the connection.
	deadline := time.Now().Add(2 * time.Second)
	for {
		recv.mu.Lock()
		n := len(recv.conns)
		recv.mu.Unlock()
		if n == 1 {
			break
		}
		require.True(t, time.Now().Before(deadline), "connection was not registered")
		time.Sleep(10 * time.Millisecond)
	}

	// Not idle long enough yet.
	recv.TryTimeout(time.Now())
	recv.mu.Lock()
	assert.Len(t, recv.conns, 1)
	recv.mu.Unlock()

	// Far enough in the future, the reaper closes it.
	recv.TryTimeout(time.Now().Add(idleTimeout + time.Minute))
	recv.mu.Lock()
	assert.Empty(t, recv.conns)
	recv.mu.Unlock()

	next := recv.NextTimeout(time.Now())
	assert.True(t, next.After(time.Now()))
}
