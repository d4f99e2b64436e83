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
	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/sconf"
	"github.com/velumlabs/velum/internal/sinfo"
)

// CheckDescriptorConsistency compares a stored descriptor against the
// running configuration and warns about drift: a changed nickname,
// listen address or delivery capability means the published descriptor
// no longer describes this server. It never fails the startup; the
// operator regenerates keys to resolve the drift. Returns the number
// of mismatches found.
func CheckDescriptorConsistency(info *sinfo.ServerInfo, cfg *sconf.Config, l log.Logger) int {
	warnings := 0
	warn := func(msg string, fields ...interface{}) {
		l.Msg(msg, fields...)
		warnings++
	}

	if info.Server.Nickname != cfg.Server.Nickname {
		warn("descriptor nickname does not match configuration",
			"descriptor", info.Server.Nickname, "config", cfg.Server.Nickname)
	}
	if info.Server.Contact != cfg.Server.Contact {
		warn("descriptor contact does not match configuration",
			"descriptor", info.Server.Contact, "config", cfg.Server.Contact)
	}

	if cfg.Incoming.Enabled != (info.Incoming != nil) {
		warn("descriptor incoming section does not match configuration",
			"descriptor", info.Incoming != nil, "config", cfg.Incoming.Enabled)
	} else if info.Incoming != nil {
		if info.Incoming.Port != cfg.Incoming.Port {
			warn("descriptor listen port does not match configuration",
				"descriptor", info.Incoming.Port, "config", cfg.Incoming.Port)
		}
		if cfg.Incoming.IP != nil && info.Incoming.IP != nil &&
			!info.Incoming.IP.Equal(cfg.Incoming.IP) {
			warn("descriptor IP does not match configuration",
				"descriptor", info.Incoming.IP, "config", cfg.Incoming.IP)
		}
		if cfg.Incoming.Hostname != "" && info.Incoming.Hostname != cfg.Incoming.Hostname {
			warn("descriptor hostname does not match configuration",
				"descriptor", info.Incoming.Hostname, "config", cfg.Incoming.Hostname)
		}
	}

	if cfg.MBOX.Enabled != (info.MBOX != nil) {
		warn("descriptor MBOX capability does not match configuration",
			"descriptor", info.MBOX != nil, "config", cfg.MBOX.Enabled)
	}
	if cfg.SMTP.Enabled != (info.SMTP != nil) {
		warn("descriptor SMTP capability does not match configuration",
			"descriptor", info.SMTP != nil, "config", cfg.SMTP.Enabled)
	}

	if got := info.Server.ValidUntil.Sub(info.Server.ValidAfter); got != cfg.Server.PublicKeyLifetime {
		warn("descriptor lifetime does not match configuration",
			"descriptor", got, "config", cfg.Server.PublicKeyLifetime)
	}

	return warnings
}
