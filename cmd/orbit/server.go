package main

import (
	"context"
	"time"

	"github.com/cuemby/orbit/pkg/config"
	"github.com/cuemby/orbit/pkg/health"
	"github.com/cuemby/orbit/pkg/log"
	"github.com/cuemby/orbit/pkg/orchestrator"
	"github.com/cuemby/orbit/pkg/reconciler"
	"github.com/cuemby/orbit/pkg/shm"
	"github.com/cuemby/orbit/pkg/storage"
	"github.com/cuemby/orbit/pkg/supervisor"
)

// server owns every top-level component's lifecycle for one orchestrator
// process: the shared-memory region, the worker supervisor, the
// persistence layer, the reconciler, and the orchestrator glue itself.
type server struct {
	cfg          *config.Config
	region       *shm.Region
	supervisor   *supervisor.Supervisor
	store        storage.Store
	reconciler   *reconciler.Reconciler
	orchestrator *orchestrator.Orchestrator
}

func newServer(cfg *config.Config) (*server, error) {
	region, err := shm.Create(cfg.ShmName, int64(cfg.ShmSizeBytes))
	if err != nil {
		region, err = shm.Open(cfg.ShmName)
		if err != nil {
			return nil, err
		}
	}

	sup, err := supervisor.New(cfg, region)
	if err != nil {
		region.Close()
		return nil, err
	}

	store, err := storage.NewBoltStore(cfg.BoltPath)
	if err != nil {
		region.Close()
		return nil, err
	}

	recon := reconciler.New(region, sup, shm.MaxWorkers, heartbeatTimeoutTicks(cfg), cancelGrace(cfg))

	orch := orchestrator.New(cfg, region, sup, store, recon)

	return &server{
		cfg:          cfg,
		region:       region,
		supervisor:   sup,
		store:        store,
		reconciler:   recon,
		orchestrator: orch,
	}, nil
}

func heartbeatTimeoutTicks(cfg *config.Config) uint64 {
	if cfg.HeartbeatIntervalMS <= 0 {
		return 10
	}
	return uint64(cfg.HeartbeatTimeoutMS / cfg.HeartbeatIntervalMS)
}

func cancelGrace(cfg *config.Config) time.Duration {
	return time.Duration(cfg.CancelGraceMS) * time.Millisecond
}

func (s *server) Start(ctx context.Context) error {
	if err := s.supervisor.Start(ctx); err != nil {
		return err
	}
	s.reconciler.Start()

	for i := 0; i < s.cfg.WorkerPoolSize; i++ {
		if _, err := s.supervisor.Spawn(uint8(i)); err != nil {
			log.Logger.Error().Err(err).Int("slot_id", i).Msg("failed to spawn initial worker")
		}
	}

	return nil
}

// Health aggregates the region's readiness flags with each pool slot's
// supervisor-observed liveness into the reporting surface exposed on
// /healthz.
func (s *server) Health() health.Status {
	states := make([]health.HealthState, 0, s.cfg.WorkerPoolSize)
	for i := 0; i < s.cfg.WorkerPoolSize; i++ {
		switch s.supervisor.CheckHealth(uint8(i), heartbeatTimeoutTicks(s.cfg)) {
		case supervisor.HealthHealthy:
			states = append(states, health.StateHealthy)
		case supervisor.HealthUnresponsive:
			states = append(states, health.StateUnresponsive)
		case supervisor.HealthDead:
			states = append(states, health.StateDead)
		}
	}
	return health.Aggregate(s.region.IsReady(), s.region.InMaintenance(), states)
}

func (s *server) Shutdown() {
	s.reconciler.Stop()
	s.supervisor.Shutdown()
	s.orchestrator.Shutdown()
	s.store.Close()
	s.region.Close()
}
