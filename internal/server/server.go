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

// Package server is the node scheduler: it owns the home directory,
// drives the transport, the mix ticks and the maintenance events from a
// single goroutine, and supervises the worker goroutines.
package server

import (
	"container/heap"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/velumlabs/velum/framework/hooks"
	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/mmtp"
	"github.com/velumlabs/velum/internal/modules"
	"github.com/velumlabs/velum/internal/packet"
	"github.com/velumlabs/velum/internal/queue"
	"github.com/velumlabs/velum/internal/sconf"
	"github.com/velumlabs/velum/internal/serverkeys"
)

const (
	// pollHorizon bounds a single transport.Process call so signal
	// flags and worker health are checked at least this often.
	pollHorizon = 2 * time.Second

	// shredInterval is how often tombstones are swept to the cleaning
	// worker.
	shredInterval = 600 * time.Second

	lockFile = "lock"
	pidFile  = "pid"
)

// Server wires the keyring, the packet pipeline and the transport
// together and runs the event loop.
type Server struct {
	cfg *sconf.Config
	log log.Logger

	keyring   *serverkeys.Keyring
	proc      packet.Processor
	transport mmtp.Transport

	incoming *queue.IncomingQueue
	pool     *queue.MixPool
	outgoing *queue.DeliveryQueue
	modules  *modules.Manager

	homeLock *flock.Flock
	pidPath  string

	jobs        chan string
	cleanPaths  chan string
	moduleKicks chan struct{}
	faults      chan error
	wg          sync.WaitGroup

	stopping atomic.Bool
	gotHUP   atomic.Bool

	events eventHeap

	closeOnce sync.Once
	closeErr  error
}

func (s *Server) now() time.Time {
	return time.Now()
}

// New builds a server over the home directory named in cfg: acquires
// the exclusive home lock, writes the pid file, brings the keyring up
// to date and opens the spools and the transport. On success the
// caller must eventually Close (Run does it on exit).
func New(cfg *sconf.Config, proc packet.Processor, l log.Logger) (*Server, error) {
	home := cfg.Server.Homedir
	queueRoot := filepath.Join(home, "work", "queues")
	for _, dir := range []string{home, queueRoot} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
	}

	s := &Server{
		cfg:         cfg,
		log:         l,
		proc:        proc,
		pidPath:     filepath.Join(home, pidFile),
		jobs:        make(chan string, 1024),
		cleanPaths:  make(chan string, 1024),
		moduleKicks: make(chan struct{}, 1),
		faults:      make(chan error, 4),
	}

	s.homeLock = flock.New(filepath.Join(home, lockFile))
	locked, err := s.homeLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("server: home lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("server: %s is locked by another running instance", home)
	}
	if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		s.homeLock.Unlock()
		return nil, fmt.Errorf("server: pid file: %w", err)
	}

	fail := func(err error) (*Server, error) {
		os.Remove(s.pidPath)
		s.homeLock.Unlock()
		return nil, err
	}

	s.keyring, err = serverkeys.Open(cfg,
		filepath.Join(home, "keys"),
		filepath.Join(home, "work", "hashlogs"), l)
	if err != nil {
		return fail(err)
	}
	now := s.now()
	if err := s.keyring.CreateKeysAsNeeded(now); err != nil {
		return fail(err)
	}
	if live := s.keyring.LiveKeys(now); len(live) != 0 {
		serverkeys.CheckDescriptorConsistency(live[len(live)-1].Info, cfg, l)
	}

	s.incoming, err = queue.OpenIncoming(filepath.Join(queueRoot, "incoming"), l)
	if err != nil {
		return fail(err)
	}
	s.pool, err = queue.NewMixPool(filepath.Join(queueRoot, "mix"), &cfg.Server, l)
	if err != nil {
		return fail(err)
	}
	s.outgoing, err = queue.OpenDelivery(filepath.Join(queueRoot, "outgoing"), cfg.Outgoing.Retry, l)
	if err != nil {
		return fail(err)
	}

	s.modules = modules.NewManager(filepath.Join(queueRoot, "deliver"), cfg.MBOX.Retry, l)
	if cfg.MBOX.Enabled {
		mbox, err := modules.NewMBOX(cfg.MBOX.MailboxDir, l)
		if err != nil {
			return fail(err)
		}
		if err := s.modules.Register(mbox); err != nil {
			return fail(err)
		}
	}
	if cfg.SMTP.Enabled {
		relay := net.JoinHostPort(cfg.SMTP.Relay, strconv.Itoa(int(cfg.SMTP.RelayPort)))
		if err := s.modules.Register(modules.NewSMTP(relay, cfg.SMTP.ReturnAddr,
			cfg.SMTP.User, cfg.SMTP.Password, l)); err != nil {
			return fail(err)
		}
	}

	bind := ""
	if cfg.Incoming.Enabled {
		host := ""
		if cfg.Incoming.IP != nil {
			host = cfg.Incoming.IP.String()
		}
		bind = net.JoinHostPort(host, strconv.Itoa(int(cfg.Incoming.Port)))
	}
	s.transport, err = mmtp.NewTCP(bind, cfg.Incoming.Allow, cfg.Incoming.Deny, mmtp.Callbacks{
		Received:      s.onReceived,
		Sent:          s.onSent,
		Undeliverable: s.onUndeliverable,
	}, l)
	if err != nil {
		return fail(err)
	}

	if err := s.keyring.UpdateKeys(now, s); err != nil {
		s.transport.Close()
		return fail(err)
	}
	s.publishKeys()

	return s, nil
}

// SetProcessorKeys implements serverkeys.KeyInstaller.
func (s *Server) SetProcessorKeys(keys []packet.KeySet) error {
	s.proc.SetKeys(keys)
	return nil
}

// SetTransportCredentials implements serverkeys.KeyInstaller.
func (s *Server) SetTransportCredentials(ks *serverkeys.KeySet) error {
	cert, err := ks.TransportCertificate()
	if err != nil {
		return err
	}
	s.transport.SetCredentials(cert)
	return nil
}

func (s *Server) publishKeys() {
	if !s.cfg.Directory.Publish || s.cfg.Directory.UploadURL == "" {
		return
	}
	client := &http.Client{Timeout: 30 * time.Second}
	if !s.keyring.PublishKeys(client, s.cfg.Directory.UploadURL, false) {
		s.log.Msg("descriptor publication incomplete, will retry at next rotation")
	}
}

// Transport completion callbacks. All three run on the scheduler
// goroutine, inside transport.Process.

func (s *Server) onReceived(data packet.Packet) {
	handle, err := s.incoming.Enqueue(data)
	if err != nil {
		s.log.Error("cannot spool received packet", err)
		return
	}
	s.postJob(handle)
}

func (s *Server) onSent(handle string) {
	if err := s.outgoing.DeliverySucceeded(handle); err != nil {
		s.log.Error("cannot retire delivered packet", err, "handle", handle)
	}
}

func (s *Server) onUndeliverable(handle string, retriable bool, cause string) {
	if err := s.outgoing.DeliveryFailed(handle, retriable, cause, s.now()); err != nil {
		s.log.Error("cannot reschedule undelivered packet", err, "handle", handle)
	}
}

// postJob hands a spooled handle to the processing worker without
// blocking the scheduler. On backlog the entry stays on disk and is
// reposted at the next mix tick.
func (s *Server) postJob(handle string) {
	select {
	case s.jobs <- handle:
	default:
		s.log.Debugf("processing backlog, deferring handle %v", handle)
	}
}

func (s *Server) requeueIncoming() {
	handles, err := s.incoming.Handles()
	if err != nil {
		s.log.Error("cannot list incoming spool", err)
		return
	}
	for _, handle := range handles {
		s.postJob(handle)
	}
}

// Run executes the scheduler loop until SIGTERM/SIGINT or a worker
// fault, then shuts the server down.
func (s *Server) Run() error {
	s.installSignals()

	s.wg.Add(3)
	go s.runProcessing()
	go s.runCleaning()
	go s.runModules()

	s.requeueIncoming()

	now := s.now()
	heap.Init(&s.events)
	s.events.schedule(now.Add(s.cfg.Server.MixInterval), eventMix)
	s.events.schedule(s.transport.NextTimeout(now), eventTimeout)
	s.events.schedule(now.Add(shredInterval), eventShred)
	s.events.schedule(s.keyring.NextKeyRotation(now), eventRotateKeys)

	s.log.Msg("server running",
		"nickname", s.cfg.Server.Nickname,
		"homedir", s.cfg.Server.Homedir)

	for {
		if s.stopping.Load() {
			s.log.Msg("shutdown requested")
			break
		}
		if s.gotHUP.CompareAndSwap(true, false) {
			s.log.Msg("SIGHUP received, resetting logs")
			hooks.RunHooks(hooks.EventLogReset)
		}
		if err := s.checkWorkers(); err != nil {
			s.log.Error("worker failure, shutting down", err)
			s.Close()
			return err
		}

		now = s.now()
		timeLeft := s.events.next().at.Sub(now)
		if timeLeft > 0 {
			if timeLeft > pollHorizon {
				timeLeft = pollHorizon
			}
			s.transport.Process(timeLeft)
			continue
		}

		ev := s.events.pop()
		s.dispatchEvent(ev, now)
	}

	return s.Close()
}

func (s *Server) dispatchEvent(ev event, now time.Time) {
	s.log.DebugMsg("scheduler event", "kind", ev.kind.String())

	switch ev.kind {
	case eventTimeout:
		s.transport.TryTimeout(now)
		s.events.schedule(s.transport.NextTimeout(now), eventTimeout)

	case eventShred:
		s.sweepTombstones()
		s.events.schedule(now.Add(shredInterval), eventShred)

	case eventMix:
		s.runMixTick(now)
		s.events.schedule(now.Add(s.cfg.Server.MixInterval), eventMix)

	case eventRotateKeys:
		s.rotateKeys(now)
		s.events.schedule(s.keyring.NextKeyRotation(now), eventRotateKeys)
	}
}

// runMixTick is the heart of the node: flush the replay logs, select
// and dispatch a batch, then drive the outgoing and exit send cycles.
func (s *Server) runMixTick(now time.Time) {
	// A batch must never leave before its replay digests are durable; a
	// crash in between would let the same packets out twice.
	if err := s.proc.SyncLogs(); err != nil {
		s.log.Error("cannot sync replay logs, skipping mix tick", err)
		return
	}

	sent, err := s.pool.Mix(s.dispatchPoolEntry)
	if err != nil {
		s.log.Error("mix tick failed", err)
	} else if sent != 0 {
		s.log.Debugf("mix tick dispatched %d entries", sent)
	}

	s.sendOutgoing(now)
	select {
	case s.moduleKicks <- struct{}{}:
	default:
	}

	// Handles deferred during a processing backlog get another chance.
	s.requeueIncoming()
}

func (s *Server) dispatchPoolEntry(handle string, e *queue.Entry) error {
	switch e.Tag {
	case queue.TagRelay:
		return s.pool.Store().MoveTo(handle, s.outgoing.Store())
	case queue.TagExit:
		return s.modules.QueueDecodedMessage(s.pool.Store(), handle, e.Exit)
	default:
		s.log.Msg("dropping pool entry with unknown tag", "tag", e.Tag, "handle", handle)
		return s.pool.Store().Remove(handle)
	}
}

func (s *Server) sendOutgoing(now time.Time) {
	err := s.outgoing.SendReady(now, func(addr packet.RelayAddress, batch []queue.Pending) {
		pkts := make([]mmtp.OutgoingPacket, 0, len(batch))
		for _, p := range batch {
			pkts = append(pkts, mmtp.OutgoingPacket{Handle: p.Handle, Data: p.Packet})
		}
		s.transport.SendPackets(addr, pkts)
	})
	if err != nil {
		s.log.Error("outgoing send cycle failed", err)
	}
}

func (s *Server) sweepTombstones() {
	shred := func(path string) {
		s.cleanPaths <- path
	}
	for _, st := range []*queue.Store{s.incoming.Store(), s.pool.Store(), s.outgoing.Store()} {
		if err := st.SweepTombstones(shred); err != nil {
			s.log.Error("tombstone sweep failed", err, "queue", st.Name)
		}
	}
	s.modules.SweepTombstones(shred)
}

func (s *Server) rotateKeys(now time.Time) {
	if err := s.keyring.CreateKeysAsNeeded(now); err != nil {
		s.log.Error("key generation failed", err)
	}
	if err := s.keyring.UpdateKeys(now, s); err != nil {
		s.log.Error("key installation failed", err)
	}
	// Key material bypasses the cleaning worker: the directories must
	// be empty before they can be removed.
	err := s.keyring.RemoveDeadKeys(now, func(path string) {
		SecureDelete(path, s.log)
	})
	if err != nil {
		s.log.Error("dead key removal failed", err)
	}
	s.publishKeys()
}

func (s *Server) installSignals() {
	sig := make(chan os.Signal, 4)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for {
			switch <-sig {
			case syscall.SIGHUP:
				s.gotHUP.Store(true)
			default:
				if s.stopping.Swap(true) {
					s.log.Msg("second termination signal, forcing exit")
					os.Exit(1)
				}
				s.log.Msg("termination signal received, next one forces immediate exit")
			}
		}
	}()
}

// Close stops the workers, the transport and the stores, then releases
// the pid and lock files. Safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.stopping.Store(true)

		// Transport first: after Close returns no more callbacks run,
		// so the channels below have no writers left.
		if err := s.transport.Close(); err != nil {
			s.log.Error("transport close failed", err)
			s.closeErr = err
		}

		close(s.jobs)
		close(s.moduleKicks)
		close(s.cleanPaths)
		s.wg.Wait()

		if err := s.proc.Close(); err != nil {
			s.log.Error("unwrap engine close failed", err)
			if s.closeErr == nil {
				s.closeErr = err
			}
		}
		if err := s.keyring.Close(); err != nil {
			s.log.Error("replay log close failed", err)
			if s.closeErr == nil {
				s.closeErr = err
			}
		}
		if err := s.modules.Close(); err != nil {
			s.log.Error("module close failed", err)
			if s.closeErr == nil {
				s.closeErr = err
			}
		}

		os.Remove(s.pidPath)
		if err := s.homeLock.Unlock(); err != nil {
			s.log.Error("cannot release home lock", err)
		}
		os.Remove(s.homeLock.Path())

		s.log.Msg("server stopped")
	})
	return s.closeErr
}
