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

// Package sconf reads the operator configuration file. It shares the
// '[Section]' + 'Key: value' grammar with server descriptors but allows
// comments and blank lines.
package sconf

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/velumlabs/velum/internal/sinfo"
)

// MixAlgorithm selects the batching strategy of the mix pool.
type MixAlgorithm int

const (
	MixTimed MixAlgorithm = iota
	MixCottrell
	MixBinomialCottrell
)

func (a MixAlgorithm) String() string {
	switch a {
	case MixTimed:
		return "Timed"
	case MixCottrell:
		return "Cottrell"
	case MixBinomialCottrell:
		return "BinomialCottrell"
	}
	return "unknown"
}

// ServerConfig is the [Server] section.
type ServerConfig struct {
	Homedir  string
	Nickname string
	Contact  string
	Comments string

	IdentityKeyBits   int
	PublicKeyLifetime time.Duration
	PublicKeyOverlap  time.Duration

	MixAlgorithm   MixAlgorithm
	MixInterval    time.Duration
	MixPoolRate    float64
	MixPoolMinSize int

	Daemon   bool
	LogFile  string
	LogDebug bool
}

// IncomingConfig is the [Incoming/MMTP] section.
type IncomingConfig struct {
	Enabled  bool
	IP       net.IP
	Hostname string
	Port     uint16
	Allow    []sinfo.Rule
	Deny     []sinfo.Rule
}

// OutgoingConfig is the [Outgoing/MMTP] section.
type OutgoingConfig struct {
	Enabled        bool
	Retry          []time.Duration
	MaxConnections int
	Allow          []sinfo.Rule
	Deny           []sinfo.Rule
}

// DirectoryConfig is the [DirectoryServers] section.
type DirectoryConfig struct {
	UploadURL string
	Publish   bool
}

// MBOXConfig is the [Delivery/MBOX] section.
type MBOXConfig struct {
	Enabled     bool
	MailboxDir  string
	Retry       []time.Duration
}

// SMTPConfig is the [Delivery/SMTP] section.
type SMTPConfig struct {
	Enabled    bool
	Relay      string
	RelayPort  uint16
	ReturnAddr string
	User       string
	Password   string
	Retry      []time.Duration
}

// Config is the whole operator configuration.
type Config struct {
	Server    ServerConfig
	Incoming  IncomingConfig
	Outgoing  OutgoingConfig
	Directory DirectoryConfig
	MBOX      MBOXConfig
	SMTP      SMTPConfig
}

var defaultRetry = "every 1 hour for 1 day, every 7 hours for 5 days"

// Default returns a configuration with every knob at its documented
// default. Nickname and Homedir have no defaults and stay empty.
func Default() *Config {
	defRetry, err := parseIntervalList(defaultRetry)
	if err != nil {
		panic(err)
	}
	return &Config{
		Server: ServerConfig{
			IdentityKeyBits:   2048,
			PublicKeyLifetime: 30 * 24 * time.Hour,
			PublicKeyOverlap:  24 * time.Hour,
			MixAlgorithm:      MixTimed,
			MixInterval:       30 * time.Minute,
			MixPoolRate:       0.6,
			MixPoolMinSize:    5,
		},
		Incoming: IncomingConfig{
			Enabled: true,
			Port:    sinfo.DefaultPort,
		},
		Outgoing: OutgoingConfig{
			Enabled:        true,
			Retry:          defRetry,
			MaxConnections: 16,
		},
		Directory: DirectoryConfig{
			Publish: false,
		},
		MBOX: MBOXConfig{Retry: defRetry},
		SMTP: SMTPConfig{RelayPort: 25, Retry: defRetry},
	}
}

// ReadFile loads and validates the configuration at path.
func ReadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sconf: %w", err)
	}
	cfg, err := Read(string(b))
	if err != nil {
		return nil, fmt.Errorf("sconf: %s: %w", path, err)
	}
	return cfg, nil
}

// Read parses and validates configuration text.
func Read(text string) (*Config, error) {
	secs, err := sinfo.ParseConfigSections(text)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	for i := range secs {
		sec := &secs[i]
		var err error
		switch sec.Name {
		case "Server":
			err = cfg.readServer(sec)
		case "Incoming/MMTP":
			err = cfg.readIncoming(sec)
		case "Outgoing/MMTP":
			err = cfg.readOutgoing(sec)
		case "DirectoryServers":
			err = cfg.readDirectory(sec)
		case "Delivery/MBOX":
			err = cfg.readMBOX(sec)
		case "Delivery/SMTP":
			err = cfg.readSMTP(sec)
		default:
			err = fmt.Errorf("unknown section [%s]", sec.Name)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) readServer(sec *sinfo.RawSection) error {
	var err error
	if v, ok := sec.First("Homedir"); ok {
		cfg.Server.Homedir = v
	}
	if v, ok := sec.First("Nickname"); ok {
		if cfg.Server.Nickname, err = sinfo.ParseNickname(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("Contact-Email"); ok {
		cfg.Server.Contact = v
	}
	if v, ok := sec.First("Comments"); ok {
		cfg.Server.Comments = v
	}
	if v, ok := sec.First("Identity-Key-Bits"); ok {
		bits, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("bad Identity-Key-Bits %q", v)
		}
		cfg.Server.IdentityKeyBits = bits
	}
	if v, ok := sec.First("PublicKeyLifetime"); ok {
		if cfg.Server.PublicKeyLifetime, err = parseInterval(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("PublicKeyOverlap"); ok {
		if cfg.Server.PublicKeyOverlap, err = parseInterval(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("MixAlgorithm"); ok {
		switch strings.ToLower(v) {
		case "timed":
			cfg.Server.MixAlgorithm = MixTimed
		case "cottrell", "mixmaster":
			cfg.Server.MixAlgorithm = MixCottrell
		case "binomialcottrell":
			cfg.Server.MixAlgorithm = MixBinomialCottrell
		default:
			return fmt.Errorf("unknown MixAlgorithm %q", v)
		}
	}
	if v, ok := sec.First("MixInterval"); ok {
		if cfg.Server.MixInterval, err = parseInterval(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("MixPoolRate"); ok {
		if cfg.Server.MixPoolRate, err = parseRate(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("MixPoolMinSize"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("bad MixPoolMinSize %q", v)
		}
		cfg.Server.MixPoolMinSize = n
	}
	if v, ok := sec.First("Daemon"); ok {
		if cfg.Server.Daemon, err = sinfo.ParseBool(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("LogFile"); ok {
		cfg.Server.LogFile = v
	}
	if v, ok := sec.First("LogLevel"); ok {
		switch strings.ToUpper(v) {
		case "DEBUG", "TRACE":
			cfg.Server.LogDebug = true
		case "INFO", "WARN", "ERROR":
			cfg.Server.LogDebug = false
		default:
			return fmt.Errorf("unknown LogLevel %q", v)
		}
	}
	return nil
}

func (cfg *Config) readIncoming(sec *sinfo.RawSection) error {
	var err error
	if v, ok := sec.First("Enabled"); ok {
		if cfg.Incoming.Enabled, err = sinfo.ParseBool(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("IP"); ok {
		if cfg.Incoming.IP, err = sinfo.ParseIP(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("Hostname"); ok {
		if cfg.Incoming.Hostname, err = sinfo.ParseHost(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("Port"); ok {
		if cfg.Incoming.Port, err = sinfo.ParsePort(v); err != nil {
			return err
		}
	}
	if cfg.Incoming.Allow, err = parseRuleEntries(sec.All("Allow"), true); err != nil {
		return err
	}
	if cfg.Incoming.Deny, err = parseRuleEntries(sec.All("Deny"), false); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) readOutgoing(sec *sinfo.RawSection) error {
	var err error
	if v, ok := sec.First("Enabled"); ok {
		if cfg.Outgoing.Enabled, err = sinfo.ParseBool(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("Retry"); ok {
		if cfg.Outgoing.Retry, err = parseIntervalList(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("MaxConnections"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("bad MaxConnections %q", v)
		}
		cfg.Outgoing.MaxConnections = n
	}
	if cfg.Outgoing.Allow, err = parseRuleEntries(sec.All("Allow"), true); err != nil {
		return err
	}
	if cfg.Outgoing.Deny, err = parseRuleEntries(sec.All("Deny"), false); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) readDirectory(sec *sinfo.RawSection) error {
	var err error
	if v, ok := sec.First("DirectoryUploadURL"); ok {
		cfg.Directory.UploadURL = v
	}
	if v, ok := sec.First("Publish"); ok {
		if cfg.Directory.Publish, err = sinfo.ParseBool(v); err != nil {
			return err
		}
	}
	return nil
}

func (cfg *Config) readMBOX(sec *sinfo.RawSection) error {
	var err error
	if v, ok := sec.First("Enabled"); ok {
		if cfg.MBOX.Enabled, err = sinfo.ParseBool(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("MailboxDir"); ok {
		cfg.MBOX.MailboxDir = v
	}
	if v, ok := sec.First("Retry"); ok {
		if cfg.MBOX.Retry, err = parseIntervalList(v); err != nil {
			return err
		}
	}
	return nil
}

func (cfg *Config) readSMTP(sec *sinfo.RawSection) error {
	var err error
	if v, ok := sec.First("Enabled"); ok {
		if cfg.SMTP.Enabled, err = sinfo.ParseBool(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("SMTPServer"); ok {
		cfg.SMTP.Relay = v
	}
	if v, ok := sec.First("SMTPPort"); ok {
		if cfg.SMTP.RelayPort, err = sinfo.ParsePort(v); err != nil {
			return err
		}
	}
	if v, ok := sec.First("ReturnAddress"); ok {
		cfg.SMTP.ReturnAddr = v
	}
	if v, ok := sec.First("SMTPUser"); ok {
		cfg.SMTP.User = v
	}
	if v, ok := sec.First("SMTPPassword"); ok {
		cfg.SMTP.Password = v
	}
	if v, ok := sec.First("Retry"); ok {
		if cfg.SMTP.Retry, err = parseIntervalList(v); err != nil {
			return err
		}
	}
	return nil
}

func (cfg *Config) validate() error {
	s := &cfg.Server
	if s.Nickname == "" {
		return fmt.Errorf("[Server] Nickname is required")
	}
	if s.Homedir == "" {
		return fmt.Errorf("[Server] Homedir is required")
	}
	if s.IdentityKeyBits < 2048 || s.IdentityKeyBits > 4096 {
		return fmt.Errorf("Identity-Key-Bits must be between 2048 and 4096")
	}
	if s.PublicKeyLifetime < 24*time.Hour {
		return fmt.Errorf("PublicKeyLifetime must be at least 1 day")
	}
	if s.PublicKeyOverlap < 0 || s.PublicKeyOverlap > 72*time.Hour {
		return fmt.Errorf("PublicKeyOverlap must be between 0 and 3 days")
	}
	if s.MixInterval < time.Second {
		return fmt.Errorf("MixInterval must be at least 1 second")
	}
	if s.MixPoolRate < 0 || s.MixPoolRate > 1 {
		return fmt.Errorf("MixPoolRate must be between 0%% and 100%%")
	}
	if cfg.Incoming.Enabled && cfg.Incoming.IP == nil && cfg.Incoming.Hostname == "" {
		return fmt.Errorf("[Incoming/MMTP] needs an IP or Hostname when enabled")
	}
	if cfg.Directory.Publish && cfg.Directory.UploadURL == "" {
		return fmt.Errorf("[DirectoryServers] Publish requires DirectoryUploadURL")
	}
	if cfg.MBOX.Enabled && cfg.MBOX.MailboxDir == "" {
		return fmt.Errorf("[Delivery/MBOX] needs MailboxDir when enabled")
	}
	if cfg.SMTP.Enabled && cfg.SMTP.Relay == "" {
		return fmt.Errorf("[Delivery/SMTP] needs SMTPServer when enabled")
	}
	return nil
}

func parseRate(s string) (float64, error) {
	pct := strings.HasSuffix(s, "%")
	n, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("bad rate %q", s)
	}
	if pct {
		n /= 100
	}
	return n, nil
}

func parseRuleEntries(vals []string, isAllow bool) ([]sinfo.Rule, error) {
	var rules []sinfo.Rule
	for _, v := range vals {
		r, err := sinfo.ParseRule(v, isAllow)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}
