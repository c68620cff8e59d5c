// Copyright 2024 The dlogd Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine drives dlogd's single-threaded runtime: the readiness
// wait, event dispatch to descriptors, idle-path drains, signal-flag
// servicing, and the restart hand-off orchestration. Everything that
// touches a descriptor runs on the one loop goroutine; the errgroup
// only coordinates the watchdog ticker and context shutdown around it.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dlogd/dlogd/internal/descriptor"
	"github.com/dlogd/dlogd/internal/handoff"
	"github.com/dlogd/dlogd/internal/ioloop"
	"github.com/dlogd/dlogd/internal/logger"
	"github.com/dlogd/dlogd/internal/metrics"
	"github.com/dlogd/dlogd/internal/procctl"
	"github.com/dlogd/dlogd/internal/ruletree"
	"github.com/dlogd/dlogd/internal/vars"
)

// loopTimeoutMs is the fixed readiness-wait timeout so signal flags and
// idle work are serviced regularly.
const loopTimeoutMs = 200

// maxEvents bounds one Wait batch.
const maxEvents = 1024

// ListenSymbol names the listen-socket descriptor in the symbol table.
const ListenSymbol = "#LISTEN_SKT"

// ClientSocketSymbol is the fixed literal under which accepted client
// sockets travel through the rule tree and the hand-off protocol.
const ClientSocketSymbol = "TCP_SOCKET"

// reconnectInterval paces PENDING socket-write redials so a refused
// endpoint cannot busy-spin the loop.
const reconnectInterval = time.Second

// Config is the slice of the parsed configuration the runtime needs.
type Config struct {
	Root            *ruletree.Node
	ListenPort      int
	DatetimeFormat  string
	FractsecDivider int64
}

// Engine owns the event loop and everything it touches.
type Engine struct {
	mgr    *descriptor.Manager
	poller ioloop.Poller
	flags  *procctl.Flags
	met    *metrics.Set
	vars   *vars.Store
	saved  *procctl.SavedCmd
	cfg    Config

	listen *descriptor.Descriptor

	// roots tracks the descriptor spawned per config origin, so the
	// idle path can find PENDING write-sockets to redial; accepted
	// client sockets never appear here.
	roots []*descriptor.Descriptor

	pacers map[*descriptor.Descriptor]*rate.Limiter

	stopped bool
}

// New assembles an Engine around an already-populated Manager (origins
// added, hand-off residue applied by the caller).
func New(mgr *descriptor.Manager, poller ioloop.Poller, flags *procctl.Flags, met *metrics.Set, saved *procctl.SavedCmd, cfg Config) *Engine {
	e := &Engine{
		mgr:    mgr,
		poller: poller,
		flags:  flags,
		met:    met,
		vars:   vars.New(),
		saved:  saved,
		cfg:    cfg,
		pacers: make(map[*descriptor.Descriptor]*rate.Limiter),
	}
	mgr.OnLine = e.onLine
	mgr.OnDrop = met.WriteDrops.Inc
	mgr.OnRotate = met.Rotations.Inc
	return e
}

// ApplyInherited folds the hand-off messages a restarted child received
// into the Manager's origin list, returning the per-origin inherited
// state OpenAll will consume. Origins are matched by (symbol, kind);
// accepted client sockets don't come from config, so an origin is
// synthesized and prepended for each.
func ApplyInherited(mgr *descriptor.Manager, msgs []*handoff.Message) map[*descriptor.Origin]*descriptor.InheritedState {
	inherited := make(map[*descriptor.Origin]*descriptor.InheritedState)
	for _, msg := range msgs {
		kind := descriptor.Kind(msg.DescType)
		st := &descriptor.InheritedState{
			FD:            msg.FD,
			Kind:          kind,
			ResidualBuf:   msg.Residual,
			ResidualIndex: msg.BufIdx,
		}
		if msg.Symbol == ClientSocketSymbol {
			o := &descriptor.Origin{Symbol: ClientSocketSymbol, Kind: descriptor.SocketRead}
			mgr.PrependOrigin(o)
			inherited[o] = st
			continue
		}
		if o, ok := mgr.FindOrigin(msg.Symbol, kind); ok {
			inherited[o] = st
			continue
		}
		logger.Errorf("handoff: inherited symbol %s not found in config, fd dropped", msg.Symbol)
	}
	return inherited
}

// OpenAll opens a descriptor for every origin, including the listen
// socket when a port is configured, consuming any inherited state. Open
// failures are logged and skipped; other descriptors continue.
func (e *Engine) OpenAll(inherited map[*descriptor.Origin]*descriptor.InheritedState) {
	if e.cfg.ListenPort > 0 {
		o := &descriptor.Origin{Symbol: ListenSymbol, Kind: descriptor.ListenSocket, Port: e.cfg.ListenPort}
		d, err := e.mgr.OpenDescriptor(o, nil, nil, 0)
		if err != nil {
			logger.Errorf("listen socket failed, starting without socket support: %v", err)
		} else {
			e.listen = d
			logger.Infof("listening socket created on port %d", e.cfg.ListenPort)
		}
	}

	for _, o := range e.mgr.Origins() {
		d, err := e.mgr.OpenDescriptor(o, nil, inherited[o], 0)
		if err != nil {
			logger.Errorf("failed to create descriptor for %q: %v", o.Symbol, err)
			continue
		}
		e.roots = append(e.roots, d)
	}
	logger.Info("finished setting up descriptors")
}

// Run blocks in the event loop until a clean shutdown, a restart
// hand-off, or ctx cancellation. The systemd watchdog ticker, when
// enabled, runs alongside under the same group.
func (e *Engine) Run(ctx context.Context) error {
	procctl.NotifyReady()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loop(ctx) })
	if interval := procctl.WatchdogInterval(); interval > 0 {
		g.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					procctl.NotifyWatchdog()
				}
			}
		})
	}
	return g.Wait()
}

func (e *Engine) loop(ctx context.Context) error {
	events := make([]ioloop.Event, maxEvents)
	for {
		if err := ctx.Err(); err != nil {
			e.shutdown()
			return err
		}

		e.processSignals()
		if e.stopped {
			return nil
		}

		n, err := e.poller.Wait(events, loopTimeoutMs)
		if err != nil {
			return fmt.Errorf("engine: readiness wait: %w", err)
		}
		if n == 0 {
			e.idle()
			continue
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.Kind == ioloop.EventVnode {
				e.mgr.HandleVnodeEvent(ev)
				continue
			}
			d, ok := e.mgr.DescriptorByFD(ev.Fd)
			if !ok {
				continue
			}
			if ev.Writable {
				e.mgr.HandleWriteReady(d)
			}
			if ev.Readable {
				e.mgr.HandleReadReady(d, ev.ReadHint)
			}
		}
	}
}

// idle runs the no-events path: pending-reads drains, paced reconnect
// retries, and the descriptor gauge refresh.
func (e *Engine) idle() {
	e.mgr.DrainIdle()
	e.retryPendingConnects()
	e.met.ActiveDescriptors.Set(float64(len(e.mgr.ActiveList())))
}

func (e *Engine) retryPendingConnects() {
	for _, d := range e.roots {
		if d.State != descriptor.StatePending || d.Kind != descriptor.SocketWrite || d.FD >= 0 {
			continue
		}
		p := e.pacers[d]
		if p == nil {
			p = rate.NewLimiter(rate.Every(reconnectInterval), 1)
			e.pacers[d] = p
		}
		if !p.Allow() {
			continue
		}
		if err := e.mgr.RetryConnect(d); err != nil {
			logger.Debugf("descriptor %s: reconnect attempt: %v", d.Symbol, err)
		}
	}
}

// onLine feeds one complete record through the rule tree.
func (e *Engine) onLine(source string, line []byte) {
	e.met.LinesRouted.Inc()
	now := time.Now()
	ctx := &ruletree.ExecContext{
		Vars:     e.vars,
		Source:   source,
		Line:     string(line),
		Datetime: Strftime(e.cfg.DatetimeFormat, now),
		FractSec: int64(now.Nanosecond()) / e.cfg.FractsecDivider,
		Write:    e.mgr.Write,
	}
	ruletree.Eval(e.cfg.Root, ctx, ruletree.ResFalse)
}

func (e *Engine) processSignals() {
	if !e.flags.Delivered() {
		return
	}
	if e.flags.TakeRotate() {
		e.rotateAll()
	}
	if e.flags.TakeRestart() {
		e.restart()
	}
	if e.flags.TakeShutdown() {
		e.shutdown()
		e.stopped = true
	}
}

// rotateAll force-rotates every rotated-log on the active list,
// regardless of size.
func (e *Engine) rotateAll() {
	logger.Info("rotating all rotated-log sinks")
	active := append([]*descriptor.Descriptor(nil), e.mgr.ActiveList()...)
	for _, d := range active {
		descriptor.ForceRotate(e.mgr, d)
	}
}

// restart is the sending side of the hand-off: stop accepting, flush
// best-effort, exec the successor, stream every read-side descriptor's
// fd and residue to it, then fall through to clean shutdown.
func (e *Engine) restart() {
	logger.Info("live restart requested")
	e.met.Restarts.Inc()

	if e.listen != nil {
		e.mgr.CloseDescriptor(e.listen)
		e.listen = nil
	}
	e.mgr.FlushAllWriteSide()

	childPid, err := e.saved.SpawnSuccessor()
	if err != nil {
		logger.Errorf("restart: %v, continuing without restart", err)
		return
	}

	sender, err := handoff.OpenSend(childPid)
	if err != nil {
		logger.Errorf("restart: failed to open transfer channel: %v", err)
	} else {
		for _, d := range append([]*descriptor.Descriptor(nil), e.mgr.ActiveList()...) {
			if !d.Kind.IsReadSide() || d.Kind == descriptor.ListenSocket || d.FD < 0 || d.Reader == nil {
				continue
			}
			symbol := d.Symbol
			if symbol == "" {
				symbol = d.Origin.Symbol
			}
			buf, idx := d.Reader.RawBuffer()
			msg := &handoff.Message{
				FD:       d.FD,
				DescType: int(d.Kind),
				BufIdx:   idx,
				Symbol:   symbol,
				Residual: buf,
			}
			if err := sender.Send(msg); err != nil {
				logger.Errorf("restart: %v", err)
			}
		}
		sender.Close()
	}

	e.flags.RequestShutdown()
}

// shutdown flushes what it can and tears every descriptor down;
// idempotent so the ctx-cancel and signal paths can both land here.
func (e *Engine) shutdown() {
	if e.stopped {
		return
	}
	procctl.NotifyStopping()
	logger.Info("shutting down")
	e.mgr.FlushAllWriteSide()
	e.mgr.CloseAll()
	e.poller.Close()
	e.stopped = true
	logger.Info("shutdown finished, bye bye")
}

// ReceiveHandoff runs the child side of the restart protocol before any
// descriptor is opened: bind the control socket named by our own pid and
// absorb the predecessor's stream.
func ReceiveHandoff() ([]*handoff.Message, error) {
	return handoff.Receive(os.Getpid())
}
