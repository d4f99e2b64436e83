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

package serverkeys

import (
	"net"
	"sync"
)

// DisplayInfo carries the environment lookups descriptor generation
// needs, instead of package-level globals: the guessed local address is
// cached per instance, so tests can run hermetically.
type DisplayInfo struct {
	once    sync.Once
	guessed net.IP

	// Resolver can be replaced in tests. Defaults to a UDP dial probe
	// that never sends a packet.
	Resolver func() net.IP
}

// GuessLocalIP returns a best guess of this host's outward-facing IPv4
// address, or nil if none could be determined. The result is cached.
func (d *DisplayInfo) GuessLocalIP() net.IP {
	d.once.Do(func() {
		if d.Resolver != nil {
			d.guessed = d.Resolver()
			return
		}
		d.guessed = probeLocalIP()
	})
	return d.guessed
}

func probeLocalIP() net.IP {
	// Connected UDP sockets pick a source address without emitting
	// traffic.
	conn, err := net.Dial("udp4", "18.0.0.1:9")
	if err != nil {
		return nil
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	ip := addr.IP.To4()
	if ip == nil || ip.IsLoopback() {
		return nil
	}
	return ip
}
