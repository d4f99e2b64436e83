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

package modules

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/velumlabs/velum/framework/exterrors"
	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
)

// SMTP hands exit payloads to a smarthost for final delivery.
type SMTP struct {
	relay      string
	returnAddr string
	auth       sasl.Client
	Log        log.Logger
}

// NewSMTP creates the module. relay is a host:port; returnAddr is the
// envelope sender put on outgoing mail. When user is non-empty the
// client authenticates to the smarthost with SASL PLAIN.
func NewSMTP(relay, returnAddr, user, password string, l log.Logger) *SMTP {
	if returnAddr == "" {
		returnAddr = "nobody@invalid"
	}
	s := &SMTP{relay: relay, returnAddr: returnAddr, Log: l}
	if user != "" {
		s.auth = sasl.NewPlainClient("", user, password)
	}
	return s
}

func (s *SMTP) Type() string {
	return "smtp"
}

func (s *SMTP) Deliver(d *packet.DeliveryPacket) error {
	rcpt := d.Address
	if !strings.Contains(rcpt, "@") || strings.ContainsAny(rcpt, " \t\r\n") {
		return exterrors.WithTemporary(fmt.Errorf("smtp: bad recipient %q", rcpt), false)
	}

	err := smtp.SendMail(s.relay, s.auth, s.returnAddr, []string{rcpt}, bytes.NewReader(d.Payload))
	if err != nil {
		return classifySMTPErr(err)
	}
	return nil
}

// classifySMTPErr maps 4xx replies and network failures to temporary
// errors, 5xx replies to permanent ones.
func classifySMTPErr(err error) error {
	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		return exterrors.WithFields(
			exterrors.WithTemporary(err, smtpErr.Code/100 == 4),
			map[string]interface{}{"smtp_code": smtpErr.Code},
		)
	}
	return exterrors.WithTemporary(err, true)
}

func (s *SMTP) Close() error {
	return nil
}
