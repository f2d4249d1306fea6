// Package scheduler drives the overlay's periodic maintenance tasks
// (spec §4.10): gateway/peer heartbeats, relay-path probing, idle route
// and gateway reconnection, public-address re-detection, punch retries,
// and the client status upload. Grounded on
// original_source/vnt/src/handle/maintain/{heartbeat,idle,addr_request,
// up_status,punch}.rs, each of which schedules itself as a self-rescheduling
// timeout task on a shared single-threaded scheduler; here every task is
// instead its own goroutine looping on a time.Ticker until its context is
// cancelled, the same one-ticker-per-concern shape as the teacher's
// network/keepalive.StartConnectionProbing.
package scheduler

import (
	"context"
	"sync"
	"time"

	"vntgo/internal/dispatch"
	"vntgo/internal/handshake"
	"vntgo/internal/logging"
	"vntgo/internal/nat"
	"vntgo/internal/punch"
	"vntgo/internal/route"
	"vntgo/internal/telemetry"
	"vntgo/internal/wire/proto"
)

// Intervals mirror the original maintenance tasks' fixed periods (spec
// §4.10). IdleRouteInterval is this port's simplification of idle_route's
// variable-delay timeout wheel (keyed off the next route's exact expiry)
// down to a periodic full-table scan: route tables here are small enough
// that a flat poll is simpler and no less correct, at the cost of up to
// one extra scan interval of staleness before an idle route is evicted.
const (
	HeartbeatInterval   = 3 * time.Second
	ClientRelayInterval = 30 * time.Second
	IdleRouteInterval   = 3 * time.Second
	IdleGatewayInterval = 8 * time.Second
	AddrRequestInterval = 17 * time.Second
	UpStatusDelay       = 60 * time.Second
	UpStatusInterval    = 10 * time.Minute
)

// Engine runs every maintenance task as its own goroutine against a
// shared set of collaborators, until Stop is called or ctx is cancelled.
type Engine struct {
	logger    logging.Logger
	dispatch  *dispatch.Engine
	routes    *route.Table
	nat       *nat.Tester
	telemetry *telemetry.Collector

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewEngine wires a scheduler against the running session's collaborators.
// dispatch is the packet-classifier Engine maintenance sends through;
// routes is the same table dispatch/tunpipe consult for live routing;
// natTester tracks this node's own NAT classification; collector
// aggregates the traffic totals the status upload reports.
func NewEngine(logger logging.Logger, dispatchEngine *dispatch.Engine, routes *route.Table, natTester *nat.Tester, collector *telemetry.Collector) *Engine {
	if logger == nil {
		logger = logging.Discard{}
	}
	return &Engine{
		logger:    logger,
		dispatch:  dispatchEngine,
		routes:    routes,
		nat:       natTester,
		telemetry: collector,
	}
}

// Start launches every maintenance task as a goroutine and returns
// immediately; call Stop (or cancel the ctx given here) to shut them all
// down. Safe to call once per Engine.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.spawn(ctx, e.runHeartbeat)
	e.spawn(ctx, e.runClientRelay)
	e.spawn(ctx, e.runIdleRoute)
	e.spawn(ctx, e.runIdleGateway)
	e.spawn(ctx, e.runAddrRequest)
	e.spawn(ctx, e.runUpStatus)
	e.spawn(ctx, e.runPunchRequest)
}

// Stop cancels every running task and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) spawn(ctx context.Context, task func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		task(ctx)
	}()
}

// runHeartbeat implements heartbeat (spec §4.10): an immediate send
// followed by one every HeartbeatInterval.
func (e *Engine) runHeartbeat(ctx context.Context) {
	e.tick(ctx, e.dispatch.SendHeartbeat, HeartbeatInterval, true)
}

// runClientRelay implements client_relay: its first probe round is
// delayed by ClientRelayInterval, matching the original's "延迟启动"
// (delayed start) comment.
func (e *Engine) runClientRelay(ctx context.Context) {
	e.tick(ctx, e.dispatch.SendClientRelay, ClientRelayInterval, false)
}

// runAddrRequest implements addr_request, gated internally on the engine
// being online (dispatch.Engine.SendAddrRequest no-ops otherwise).
func (e *Engine) runAddrRequest(ctx context.Context) {
	e.tick(ctx, e.dispatch.SendAddrRequest, AddrRequestInterval, false)
}

// runIdleGateway implements idle_gateway: every IdleGatewayInterval,
// reconnect if the engine still reports Connecting (the original's
// status.offline() check).
func (e *Engine) runIdleGateway(ctx context.Context) {
	e.tick(ctx, func() error {
		if e.dispatch.Status() == handshake.StatusConnecting {
			return e.dispatch.Reconnect()
		}
		return nil
	}, IdleGatewayInterval, false)
}

// runIdleRoute implements idle_route (simplified to a periodic scan, see
// IdleRouteInterval's doc comment): every tick, evict every route that
// has gone quiet, and reconnect if the gateway's own route was among
// them.
func (e *Engine) runIdleRoute(ctx context.Context) {
	e.tick(ctx, func() error {
		gatewayVIP := e.dispatch.GatewayVIP()
		for _, evt := range e.routes.Idle(time.Now()) {
			e.routes.RemoveRouteAll(evt.IP)
			e.logger.Printf("scheduler: route to %s idle for %s, evicted", evt.IP, evt.Idle)
			if gatewayVIP.IsValid() && evt.IP == gatewayVIP {
				if err := e.dispatch.Reconnect(); err != nil {
					e.logger.Printf("scheduler: reconnect after gateway route eviction: %v", err)
				}
			}
		}
		return nil
	}, IdleRouteInterval, false)
}

// runUpStatus implements up_status: waits UpStatusDelay before its first
// upload, then repeats every UpStatusInterval.
func (e *Engine) runUpStatus(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(UpStatusDelay):
	}
	e.tick(ctx, e.sendUpStatus, UpStatusInterval, true)
}

func (e *Engine) sendUpStatus() error {
	var up, down uint64
	if e.telemetry != nil {
		snap := e.telemetry.Snapshot()
		up, down = snap.UpBytesTotal, snap.DownBytesTotal
	}
	symmetric := false
	if e.nat != nil {
		symmetric = e.nat.Info().NatType == proto.Symmetric
	}
	return e.dispatch.SendClientStatus(up, down, symmetric)
}

// runPunchRequest implements punch_request (spec §4.10): an immediate
// round, then repeating rounds on punch.RetrySchedule's backoff (via
// punch.NextRetryDelay), same as
// punch.rs's punch_request count parameter advancing every round.
func (e *Engine) runPunchRequest(ctx context.Context) {
	if err := e.sendPunchRequest(); err != nil {
		e.logger.Printf("scheduler: punch request: %v", err)
	}
	count := 1
	for {
		delay := punch.NextRetryDelay(count)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := e.sendPunchRequest(); err != nil {
			e.logger.Printf("scheduler: punch request: %v", err)
		}
		count++
	}
}

func (e *Engine) sendPunchRequest() error {
	if e.nat == nil {
		return nil
	}
	return e.dispatch.SendPunchRequests(e.nat.Info())
}

// tick runs task once (if immediate is set) and then every interval,
// until ctx is cancelled. Errors are logged, never fatal: a single failed
// maintenance round must not take down the whole task.
func (e *Engine) tick(ctx context.Context, task func() error, interval time.Duration, immediate bool) {
	if immediate {
		if err := task(); err != nil {
			e.logger.Printf("scheduler: %v", err)
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := task(); err != nil {
				e.logger.Printf("scheduler: %v", err)
			}
		}
	}
}
