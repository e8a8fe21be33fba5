// Copyright 2026 The pivy-agentd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon implements the single-threaded, cooperatively
// multiplexed event loop: one poll call per iteration, globally
// serializing every card operation without a lock (spec.md §4.10/§5).
package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"github.com/pivy-go/pivy-agentd/internal/cardsession"
	"github.com/pivy-go/pivy-agentd/internal/dispatch"
	"github.com/pivy-go/pivy-agentd/internal/peercred"
	"github.com/pivy-go/pivy-agentd/internal/pidreg"
)

// Daemon owns every process-global resource the event loop touches:
// the listening socket, the live connection table, the card session,
// the PID registry, and the dispatcher. None of it is locked; it is
// only ever touched from Run's goroutine.
type Daemon struct {
	listener            *unixListener
	dispatcher          *dispatch.Dispatcher
	session             *cardsession.Session
	prober              peercred.Prober
	peerPolicy          peercred.Policy
	pidReg              *pidreg.Registry
	clock               clockwork.Clock
	log                 *slog.Logger
	parentAliveInterval time.Duration
	catchSIGINT         bool

	conns  map[int]*connEntry
	lastOp time.Time

	listenerFD   int
	listenerFile *os.File

	sigReadFD     int
	sigWriteFD    int
	sigCh         chan os.Signal
	stopRequested bool

	cleanup func()
}

// Config is everything Run needs beyond what's already bound into the
// dispatcher and session at construction time.
type Config struct {
	Listener            *unixListener
	Dispatcher          *dispatch.Dispatcher
	Session             *cardsession.Session
	Prober              peercred.Prober
	PeerPolicy          peercred.Policy
	PIDRegistry         *pidreg.Registry
	Clock               clockwork.Clock
	Log                 *slog.Logger
	ParentAliveInterval time.Duration
	// CatchSIGINT additionally registers SIGINT for cleanup, on top of
	// the always-registered SIGHUP/SIGTERM. Set only in debug-foreground
	// mode, where a Ctrl-C from the controlling terminal should trigger
	// the same cleanup as SIGTERM rather than the default terminal
	// behavior of killing the process outright.
	CatchSIGINT bool
	// Cleanup is invoked at most once, on the way out of Run (see Run for
	// the setup failures that skip it), to unlink
	// the socket and remove the ephemeral directory if the daemon
	// created one (spec.md §4.11).
	Cleanup func()
}

// New constructs a Daemon ready to Run.
func New(cfg Config) *Daemon {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{
		listener:            cfg.Listener,
		dispatcher:          cfg.Dispatcher,
		session:             cfg.Session,
		prober:              cfg.Prober,
		peerPolicy:          cfg.PeerPolicy,
		pidReg:              cfg.PIDRegistry,
		clock:               clock,
		log:                 log,
		parentAliveInterval: cfg.ParentAliveInterval,
		catchSIGINT:         cfg.CatchSIGINT,
		conns:               make(map[int]*connEntry),
		cleanup:             cfg.Cleanup,
	}
}

// Run executes the event loop until ctx is canceled or a termination
// signal is received. Once the listener fd and signal pipe are set up,
// every return runs cleanup; an error in either setup step returns
// without running it.
func (d *Daemon) Run(ctx context.Context) error {
	fd, file, err := d.listener.FD()
	if err != nil {
		return trace.Wrap(err, "preparing listener for polling")
	}
	d.listenerFD, d.listenerFile = fd, file
	defer d.listenerFile.Close()

	if err := d.installSignalPipe(); err != nil {
		return trace.Wrap(err)
	}
	defer d.closeSignalPipe()
	defer d.runCleanup()

	d.lastOp = d.clock.Now()

	for {
		if d.shouldStop(ctx) {
			return nil
		}

		deadline := d.pollDeadline()
		fds := d.buildPollFDs()

		n, err := unix.Poll(fds, deadline)
		if err != nil && err != unix.EINTR {
			return trace.Wrap(err, "poll")
		}

		if d.parentDied() {
			d.log.Info("parent process exited, shutting down")
			return nil
		}

		now := d.clock.Now()
		if now.Sub(d.lastOp) >= d.session.ProbeInterval() {
			d.session.Probe(ctx)
			d.lastOp = now
		}
		if d.session.Expired() {
			d.session.Close(false)
		}

		if n > 0 {
			d.handleReady(ctx, fds)
		}
	}
}

func (d *Daemon) shouldStop(ctx context.Context) bool {
	if d.stopRequested {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// pollDeadline computes the minimum of the transaction deadline (if a
// transaction is open), the probe interval, and the parent-alive
// interval, per spec.md §4.10. A zero term is omitted; if every term
// is omitted, -1 (block indefinitely) is used.
func (d *Daemon) pollDeadline() int {
	now := d.clock.Now()
	best := time.Duration(-1)

	consider := func(interval time.Duration) {
		if interval <= 0 {
			return
		}
		if best < 0 || interval < best {
			best = interval
		}
	}

	if d.session.IsOpen() {
		consider(d.transactionRemaining(now))
	}
	consider(d.session.ProbeInterval())
	consider(d.parentAliveInterval)

	if best < 0 {
		return -1
	}
	ms := int(best / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return ms
}

func (d *Daemon) transactionRemaining(now time.Time) time.Duration {
	// Session doesn't expose its deadline directly; Expired() plus the
	// fixed 2s window is enough to bound the poll wait without a new
	// accessor.
	if d.session.Expired() {
		return 0
	}
	return 250 * time.Millisecond
}

func (d *Daemon) parentDied() bool {
	if d.parentAliveInterval <= 0 {
		return false
	}
	return unix.Getppid() == 1
}

func (d *Daemon) runCleanup() {
	if d.session != nil {
		d.session.Close(true)
	}
	if d.cleanup != nil {
		d.cleanup()
	}
}

func (d *Daemon) installSignalPipe() error {
	d.sigCh = make(chan os.Signal, 8)
	sigs := []os.Signal{syscall.SIGHUP, syscall.SIGTERM}
	if d.catchSIGINT {
		sigs = append(sigs, syscall.SIGINT)
	}
	signal.Notify(d.sigCh, sigs...)
	signal.Ignore(syscall.SIGPIPE)

	fds, err := selfPipe()
	if err != nil {
		return trace.Wrap(err)
	}
	d.sigReadFD, d.sigWriteFD = fds[0], fds[1]

	go func() {
		for range d.sigCh {
			_, _ = unix.Write(d.sigWriteFD, []byte{0})
		}
	}()
	return nil
}

func (d *Daemon) closeSignalPipe() {
	signal.Stop(d.sigCh)
	close(d.sigCh)
	_ = unix.Close(d.sigReadFD)
	_ = unix.Close(d.sigWriteFD)
}

func selfPipe() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return fds, trace.Wrap(err, "creating signal self-pipe")
	}
	return fds, nil
}
