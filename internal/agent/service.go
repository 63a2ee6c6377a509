// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent wires the convergence core's two FSMs to a reconnecting
// transport, following the teacher's Agent/Start/Stop reconnect loop.
package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sylcore/convergence-agent/internal/convergence"
)

// Service is the AgentLoopService: it owns the reconnecting transport
// and the two convergence FSMs. Service itself exposes only Start and
// Stop; it has no Connected/Disconnected/StatusUpdate methods. The
// Transport calls those inputs on the ClusterStatusFSM directly.
type Service struct {
	cfg Config

	clusterStatus *convergence.ClusterStatusFSM
	convergeLoop  *convergence.ConvergenceLoopFSM
	transport     *Transport

	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	loopsWG sync.WaitGroup
}

// New constructs a Service with the two FSMs wired together: the
// ClusterStatusFSM's downstream is the ConvergenceLoopFSM, exactly as
// spec.md §4.1/§4.2 describe.
func New(cfg Config, deployer convergence.Deployer, logger *slog.Logger, metrics *convergence.Metrics) (*Service, error) {
	convergeLoop := convergence.NewConvergenceLoopFSM(deployer, cfg.IterationDelay, logger, metrics)
	clusterStatus := convergence.NewClusterStatusFSM(convergeLoop, logger, metrics)

	transport, err := NewTransport(cfg, clusterStatus, logger)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:           cfg,
		clusterStatus: clusterStatus,
		convergeLoop:  convergeLoop,
		transport:     transport,
		logger:        logger.With("component", "agent_service"),
	}, nil
}

// Start launches the reconnecting transport and the convergence loop's
// event loop, each on its own goroutine, and returns without waiting for
// them; it does not block for the lifetime of the agent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("starting agent", "serverURL", s.cfg.ServerURL)

	s.loopsWG.Add(2)
	go func() {
		defer s.loopsWG.Done()
		s.convergeLoop.Run(runCtx)
	}()
	go func() {
		defer s.loopsWG.Done()
		s.transport.Run(runCtx)
	}()
}

// Stop halts further reconnect attempts, emits Shutdown into the
// cluster-status FSM, and resolves only after the in-flight iteration
// (if any) completes.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	s.clusterStatus.Shutdown(ctx)

	stoppedCh := s.convergeLoop.StoppedChan()

	if cancel != nil {
		cancel()
	}

	<-stoppedCh
	s.loopsWG.Wait()
	s.logger.Info("agent stopped")
}
