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

package sinfo

import (
	"fmt"
	"net"
	"strings"
)

// DefaultPort is assumed by Allow rules that do not name a port.
const DefaultPort = 48099

// Rule is a single Allow or Deny entry:
//
//	<ip> [/ <mask>] [<portmin> [- <portmax>]]
//
// where '*' stands for 0.0.0.0/0.0.0.0. Allow rules without a port
// cover only DefaultPort; Deny rules without a port cover every port.
type Rule struct {
	IP      net.IP
	Mask    net.IPMask
	PortMin uint16
	PortMax uint16
}

// Matches reports whether the rule covers ip:port.
func (r Rule) Matches(ip net.IP, port uint16) bool {
	ip = ip.To4()
	if ip == nil {
		return false
	}
	if !ip.Mask(r.Mask).Equal(r.IP.Mask(r.Mask)) {
		return false
	}
	return port >= r.PortMin && port <= r.PortMax
}

// String renders the rule in the descriptor format. The mask is omitted
// when it covers the whole address, the port range when it collapses to
// a single port.
func (r Rule) String() string {
	var b strings.Builder
	if r.IP.Equal(net.IPv4zero) && maskIsZero(r.Mask) {
		b.WriteString("*")
	} else {
		b.WriteString(r.IP.String())
		if !maskIsFull(r.Mask) {
			b.WriteString("/")
			b.WriteString(net.IP(r.Mask).String())
		}
	}
	b.WriteString(" ")
	if r.PortMin == r.PortMax {
		fmt.Fprintf(&b, "%d", r.PortMin)
	} else {
		fmt.Fprintf(&b, "%d-%d", r.PortMin, r.PortMax)
	}
	return b.String()
}

func maskIsZero(m net.IPMask) bool {
	for _, b := range m {
		if b != 0 {
			return false
		}
	}
	return true
}

func maskIsFull(m net.IPMask) bool {
	for _, b := range m {
		if b != 0xff {
			return false
		}
	}
	return true
}

// ParseRule parses a single rule entry. isAllow selects the default
// port coverage for rules that carry no port.
func ParseRule(s string, isAllow bool) (Rule, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 2 {
		return Rule{}, invalidf(BadFormat, "bad address rule %q", s)
	}

	r := Rule{}
	addr := fields[0]
	if addr == "*" {
		r.IP = net.IPv4zero.To4()
		r.Mask = net.IPv4Mask(0, 0, 0, 0)
	} else {
		ipStr, maskStr := addr, ""
		if i := strings.IndexByte(addr, '/'); i >= 0 {
			ipStr, maskStr = addr[:i], addr[i+1:]
		}
		ip, err := parseIP(ipStr)
		if err != nil {
			return Rule{}, err
		}
		r.IP = ip
		if maskStr == "" {
			r.Mask = net.IPv4Mask(255, 255, 255, 255)
		} else {
			maskIP, err := parseIP(maskStr)
			if err != nil {
				return Rule{}, invalidf(BadFormat, "bad mask in rule %q", s)
			}
			r.Mask = net.IPMask(maskIP)
		}
	}

	if len(fields) == 2 {
		lo, hi := fields[1], fields[1]
		if i := strings.IndexByte(fields[1], '-'); i >= 0 {
			lo, hi = fields[1][:i], fields[1][i+1:]
		}
		var err error
		if r.PortMin, err = parseRulePort(strings.TrimSpace(lo)); err != nil {
			return Rule{}, err
		}
		if r.PortMax, err = parseRulePort(strings.TrimSpace(hi)); err != nil {
			return Rule{}, err
		}
		if r.PortMin > r.PortMax {
			return Rule{}, invalidf(BadFormat, "backwards port range in rule %q", s)
		}
	} else if isAllow {
		r.PortMin, r.PortMax = DefaultPort, DefaultPort
	} else {
		r.PortMin, r.PortMax = 0, 65535
	}

	return r, nil
}

// parseRulePort is parsePort with 0 allowed: a rule range may start at
// port 0, unlike the Port entry of a descriptor.
func parseRulePort(s string) (uint16, error) {
	n, err := parseInt(s)
	if err != nil || n < 0 || n > 65535 {
		return 0, invalidf(BadFormat, "bad port in rule: %q", s)
	}
	return uint16(n), nil
}

func parseRules(vals []string, isAllow bool) ([]Rule, error) {
	var rules []Rule
	for _, v := range vals {
		r, err := ParseRule(v, isAllow)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// RuleListPermits evaluates allow rules against deny rules the way the
// descriptor format specifies: the first matching rule in the combined
// deny-then-allow order wins, and the default is to permit.
func RuleListPermits(allow, deny []Rule, ip net.IP, port uint16) bool {
	for _, r := range deny {
		if r.Matches(ip, port) {
			return false
		}
	}
	for _, r := range allow {
		if r.Matches(ip, port) {
			return true
		}
	}
	return len(allow) == 0
}
