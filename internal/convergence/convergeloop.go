// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package convergence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConvergenceLoopState is a state of the ConvergenceLoopFSM.
type ConvergenceLoopState string

const (
	LoopStopped            ConvergenceLoopState = "STOPPED"
	LoopConverging         ConvergenceLoopState = "CONVERGING"
	LoopConvergingStopping ConvergenceLoopState = "CONVERGING_STOPPING"
)

// DefaultIterationDelay is the one-shot inter-iteration pacing delay
// hard-coded in the source this is distilled from. It is exposed as a
// constant for convenience but is always injectable via
// NewConvergenceLoopFSM.
const DefaultIterationDelay = 1 * time.Second

// ConvergenceLoopFSM drives the discover/calculate/act/report pipeline:
// pacing, change-detection, and error recovery. Exactly one iteration is
// ever in flight. Construct with NewConvergenceLoopFSM and run its event
// loop with Run on a dedicated goroutine.
type ConvergenceLoopFSM struct {
	mu sync.Mutex

	state  ConvergenceLoopState
	latest *ClientStatusUpdate

	// lastAcknowledged is the last NodeState for which a report
	// round-trip succeeded, or nil if none has yet.
	lastAcknowledged *NodeState

	// lastSendFailed forces a resend on the next iteration even if the
	// newly discovered state matches lastAcknowledged: otherwise an
	// acknowledgment failure on a transient state change (e.g. N, N',
	// N) would be masked by the discovered state cycling back to the
	// last acknowledged value. Cleared on the next successful send.
	lastSendFailed bool

	// stoppedCh is closed while state == LoopStopped. It is replaced
	// with a fresh, open channel whenever the FSM leaves LoopStopped,
	// giving callers a simple broadcast-once-per-stint wait primitive
	// without a goroutine-leaking sync.Cond.
	stoppedCh chan struct{}

	// wake signals the idle Run loop that a STOPPED->CONVERGING
	// transition occurred and an iteration should begin.
	wake chan struct{}

	deployer       Deployer
	iterationDelay time.Duration
	logger         *slog.Logger
	metrics        *Metrics
}

// NewConvergenceLoopFSM constructs a ConvergenceLoopFSM in its initial
// STOPPED state. iterationDelay is the pacing delay between iterations
// (spec's "1-second" constant, kept injectable for tests). metrics may
// be nil, in which case observations are skipped.
func NewConvergenceLoopFSM(deployer Deployer, iterationDelay time.Duration, logger *slog.Logger, metrics *Metrics) *ConvergenceLoopFSM {
	stoppedCh := make(chan struct{})
	close(stoppedCh)
	return &ConvergenceLoopFSM{
		state:          LoopStopped,
		stoppedCh:      stoppedCh,
		wake:           make(chan struct{}, 1),
		deployer:       deployer,
		iterationDelay: iterationDelay,
		logger:         logger.With("component", "convergence_loop_fsm"),
		metrics:        metrics,
	}
}

// State returns the current state. Safe for concurrent use.
func (f *ConvergenceLoopFSM) State() ConvergenceLoopState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// StoppedChan returns a channel that is closed once the FSM's current
// CONVERGING/CONVERGING_STOPPING stint (if any) completes and the FSM
// reaches STOPPED. If the FSM is already STOPPED, the returned channel
// is already closed.
func (f *ConvergenceLoopFSM) StoppedChan() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stoppedCh
}

// ClientStatusUpdate stores the freshest (client, configuration, state)
// snapshot and, from STOPPED, begins converging; from CONVERGING it
// only overwrites the stored snapshot for the next iteration to pick up;
// from CONVERGING_STOPPING it cancels the pending STOP and resumes.
func (f *ConvergenceLoopFSM) ClientStatusUpdate(ctx context.Context, update ClientStatusUpdate) {
	f.mu.Lock()
	from := f.state
	f.latest = &update

	switch f.state {
	case LoopStopped:
		f.state = LoopConverging
		f.stoppedCh = make(chan struct{})
	case LoopConvergingStopping:
		f.state = LoopConverging
	case LoopConverging:
		// overwrite only; iteration in progress already captured its
		// own snapshot and is unaffected.
	}
	to := f.state
	needWake := from == LoopStopped
	f.mu.Unlock()

	logTransition(ctx, f.logger, "ConvergenceLoopFSM", string(from), "ClientStatusUpdate", string(to))

	if needWake {
		select {
		case f.wake <- struct{}{}:
		default:
		}
	}
}

// Stop requests that convergence halt at the next iteration boundary. A
// ClientStatusUpdate received before that boundary cancels the stop.
func (f *ConvergenceLoopFSM) Stop(ctx context.Context) {
	f.mu.Lock()
	from := f.state
	if f.state == LoopConverging {
		f.state = LoopConvergingStopping
	}
	to := f.state
	f.mu.Unlock()

	logTransition(ctx, f.logger, "ConvergenceLoopFSM", string(from), "STOP", string(to))
}

// Run drives the event loop until ctx is cancelled. It must run on its
// own goroutine. ctx governs the idle wait between stints and cuts short
// the pacing delay after an iteration; it is never threaded into an
// individual iteration's discover/calculate/report/act calls, so
// Shutdown never cancels in-flight work.
func (f *ConvergenceLoopFSM) Run(ctx context.Context) {
	for {
		f.mu.Lock()
		state := f.state
		f.mu.Unlock()

		if state != LoopConverging {
			select {
			case <-ctx.Done():
				return
			case <-f.wake:
				continue
			}
		}

		f.runIteration(ctx)

		f.mu.Lock()
		from := f.state
		switch f.state {
		case LoopConvergingStopping:
			f.state = LoopStopped
			close(f.stoppedCh)
		case LoopConverging:
			// stays; next loop iteration begins the next pass.
		}
		to := f.state
		f.mu.Unlock()

		logTransition(ctx, f.logger, "ConvergenceLoopFSM", string(from), "ITERATION_DONE", string(to))

		if ctx.Err() != nil {
			return
		}
	}
}

// runIteration executes one discover/substitute/calculate/report+act/
// join/schedule pass per spec §4.2. shutdownCtx is only consulted for
// the final pacing delay, so that a Shutdown cancels a pending timer
// without cancelling in-flight discover/calculate/report/act work,
// which always runs against context.Background() per spec §5.
func (f *ConvergenceLoopFSM) runIteration(shutdownCtx context.Context) {
	f.mu.Lock()
	snapshot := *f.latest
	lastAck := f.lastAcknowledged
	lastSendFailed := f.lastSendFailed
	f.mu.Unlock()

	ctx := context.Background()

	convergeAction := logConverge(f.logger, snapshot.ClusterState, snapshot.Configuration)
	f.metrics.observeIterationStart()
	start := time.Now()

	// 1. Discover. Both synchronous and asynchronous discovery errors
	// are logged and treated as an empty discovery that still proceeds.
	discovered, err := f.deployer.DiscoverState(ctx)
	if err != nil {
		f.logger.ErrorContext(ctx, "discover_state failed, proceeding with empty discovery", "error", err)
		discovered = NodeState{}
	}

	// 2. Substitute: replace this node's entry in cluster_state with the
	// freshly discovered NodeState, without mutating the original.
	substituted := snapshot.ClusterState.WithNode(discovered.Hostname, discovered)

	// 3. Calculate. A synchronous calculate error is treated exactly
	// like a failed action.run (spec §9, Open Question 3).
	calculated, err := f.deployer.CalculateChanges(discovered, snapshot.Configuration, substituted)
	if err != nil {
		f.logger.ErrorContext(ctx, "calculate_changes failed", "error", err)
		calculateErr := err
		calculated = ActionFunc(func(context.Context, Deployer) error { return calculateErr })
	} else {
		logCalculatedActions(convergeAction, calculated)
	}

	// 4. Report + Act in parallel.
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		f.report(ctx, convergeAction, discovered, snapshot.Client, lastAck, lastSendFailed)
	}()
	go func() {
		defer wg.Done()
		if err := calculated.Run(ctx, f.deployer); err != nil {
			f.logger.ErrorContext(ctx, "action.run failed", "error", err)
		}
	}()

	// 5. Join.
	wg.Wait()
	f.metrics.observeIterationDuration(time.Since(start))

	// 6. Schedule next: a one-shot pacing delay before the loop
	// re-checks state and (if still CONVERGING) begins the next pass.
	// Cancellable by shutdownCtx so a pending timer does not outlive
	// the agent's shutdown request.
	timer := time.NewTimer(f.iterationDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-shutdownCtx.Done():
	}
}

// report sends the freshly discovered state if it differs from the last
// acknowledged state, or if the previous send failed or went
// unacknowledged — which forces a resend even when discovered happens to
// equal the stale lastAcknowledged value. lastAcknowledged advances only
// on success, independently of whether the concurrent action.run
// succeeds (spec §9, Open Question 2).
func (f *ConvergenceLoopFSM) report(ctx context.Context, parent *action, discovered NodeState, client ControlClient, lastAck *NodeState, lastSendFailed bool) {
	if !lastSendFailed && lastAck != nil && discovered.Equal(*lastAck) {
		f.metrics.observeSend("skipped")
		return
	}

	logSendToControlService(parent, discovered)

	resp, err := client.Call(ctx, NodeStateCommand{StateChanges: []NodeState{discovered}})
	if err != nil || !resp.Acknowledged {
		f.logger.ErrorContext(ctx, "report send failed, last acknowledged state unchanged", "error", err)
		f.metrics.observeSend("fail")
		f.mu.Lock()
		f.lastSendFailed = true
		f.mu.Unlock()
		return
	}

	f.metrics.observeSend("ack")
	f.mu.Lock()
	state := discovered
	f.lastAcknowledged = &state
	f.lastSendFailed = false
	f.mu.Unlock()
}
