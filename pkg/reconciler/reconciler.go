package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lynfabric/fabric/pkg/events"
	"github.com/lynfabric/fabric/pkg/health"
	"github.com/lynfabric/fabric/pkg/log"
	"github.com/lynfabric/fabric/pkg/metrics"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

// Reconciler periodically probes server reachability and transitions
// servers that stop answering to FAULTY, firing SERVER_LOST so GroupManager
// can react with a failover (spec.md §4.3).
type Reconciler struct {
	store   storage.MetadataStore
	bus     *events.Bus
	checker health.Checker
	logger  zerolog.Logger
	stopCh  chan struct{}
	period  time.Duration
}

// New creates a Reconciler over store, firing events on bus when a server
// is found unreachable. If checker is nil, each probe is a TCP dial to the
// server's address (health.NewTCPChecker), bounded by a 3-second timeout.
func New(store storage.MetadataStore, bus *events.Bus, checker health.Checker) *Reconciler {
	return &Reconciler{
		store:   store,
		bus:     bus,
		checker: checker,
		logger:  log.WithComponent("reconciler"),
		stopCh:  make(chan struct{}),
		period:  10 * time.Second,
	}
}

// Start begins the periodic reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	txn, err := r.store.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to begin reconciliation transaction")
		return
	}

	servers, err := txn.ListServers()
	if err != nil {
		txn.Rollback()
		r.logger.Error().Err(err).Msg("failed to list servers")
		return
	}

	var toMarkFaulty []*types.Server
	for _, s := range servers {
		if s.Status == types.ServerFaulty || s.Status == types.ServerOffline {
			continue
		}
		if r.reachable(s.Address) {
			s.LastSeen = time.Now()
			s.ConnectionAttempts = 0
			if err := txn.UpdateServer(s); err != nil {
				r.logger.Error().Err(err).Str("server", s.UUID.String()).Msg("failed to refresh server liveness")
			}
			continue
		}

		s.ConnectionAttempts++
		if err := txn.UpdateServer(s); err != nil {
			r.logger.Error().Err(err).Str("server", s.UUID.String()).Msg("failed to record failed probe")
			continue
		}
		if s.ConnectionAttempts >= 3 {
			s.Status = types.ServerFaulty
			if err := txn.UpdateServer(s); err != nil {
				r.logger.Error().Err(err).Str("server", s.UUID.String()).Msg("failed to mark server faulty")
				continue
			}
			toMarkFaulty = append(toMarkFaulty, s)
		}
	}

	if err := txn.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("failed to commit reconciliation cycle")
		return
	}

	for _, s := range toMarkFaulty {
		r.logger.Warn().Str("server", s.UUID.String()).Str("address", s.Address).Msg("server unreachable, marked FAULTY")
		if _, err := r.bus.Trigger(events.ServerLost, s.UUID.String()); err != nil {
			r.logger.Error().Err(err).Msg("failed to trigger SERVER_LOST")
		}
	}
}

func (r *Reconciler) reachable(address string) bool {
	checker := r.checker
	if checker == nil {
		checker = health.NewTCPChecker(address)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result := checker.Check(ctx)
	return result.Healthy
}
