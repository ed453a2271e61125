// Package managers wires the configured storage backends together.
package managers

import (
	"context"
	"io"
	"sync"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/storage"
	"github.com/bregeon/LidarEyeball/internal/storage/catalog"
	"github.com/bregeon/LidarEyeball/internal/storage/timescaledb"
	"github.com/bregeon/LidarEyeball/internal/types"
	"github.com/bregeon/LidarEyeball/pkg/config"
	"go.uber.org/zap"
)

// StorageManager fans processed runs out to every active backend
type StorageManager struct {
	Engines           []StorageEngine
	ResultDistributor chan types.RunResult

	catalog  *catalog.Catalog
	closers  []io.Closer
	logger   *zap.SugaredLogger
	wg       sync.WaitGroup
	once     sync.Once
	failures chan error
	failed   []error
	drained  chan struct{}
}

// StorageEngine holds a backend and the channel feeding it
type StorageEngine struct {
	Name   string
	Engine storage.StorageEngineInterface
	C      chan<- types.RunResult
}

// NewStorageManager opens the backends named in c and starts distributing
func NewStorageManager(ctx context.Context, c config.StorageData, logger *zap.SugaredLogger) (*StorageManager, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &StorageManager{logger: logger}

	if c.Catalog != nil && c.Catalog.Path != "" {
		cat, err := catalog.Open(c.Catalog.Path, logger.Named("catalog"))
		if err != nil {
			return nil, errors.Wrap(err, "could not add run catalog storage backend")
		}
		s.catalog = cat
		s.closers = append(s.closers, cat)
		s.Engines = append(s.Engines, StorageEngine{Name: "catalog", Engine: cat})
	}

	if c.TimescaleDB != nil && c.TimescaleDB.ConnectionString != "" {
		ts, err := timescaledb.New(ctx, c.TimescaleDB.ConnectionString, logger.Named("timescaledb"))
		if err != nil {
			s.closeBackends()
			return nil, errors.Wrap(err, "could not add TimescaleDB storage backend")
		}
		s.closers = append(s.closers, ts)
		s.Engines = append(s.Engines, StorageEngine{Name: "timescaledb", Engine: ts})
	}

	s.start(ctx)
	return s, nil
}

// NewStorageManagerWithEngines starts a manager over already built engines
func NewStorageManagerWithEngines(ctx context.Context, logger *zap.SugaredLogger, engines ...StorageEngine) *StorageManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &StorageManager{Engines: engines, logger: logger}
	s.start(ctx)
	return s
}

func (s *StorageManager) start(ctx context.Context) {
	s.ResultDistributor = make(chan types.RunResult, 20)
	s.failures = make(chan error, 10)
	s.drained = make(chan struct{})
	go s.collectFailures()
	for i := range s.Engines {
		s.Engines[i].C = s.Engines[i].Engine.StartStorageEngine(ctx, &s.wg, s.failures)
		s.logger.Infow("storage engine started", "engine", s.Engines[i].Name)
	}
	s.wg.Add(1)
	go s.startResultDistributor(ctx)
}

// Catalog returns the run catalog backend, or nil when none is configured
func (s *StorageManager) Catalog() *catalog.Catalog {
	return s.catalog
}

// Submit queues r for every engine. It blocks while the distributor is full
// and gives up when ctx is cancelled.
func (s *StorageManager) Submit(ctx context.Context, r types.RunResult) error {
	select {
	case s.ResultDistributor <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting results, waits until every engine has drained its
// queue and closes the backends. The returned error is marked
// ErrPartialFailure when an engine failed to store a result. Submit must not
// be called after Close.
func (s *StorageManager) Close() error {
	var err error
	s.once.Do(func() {
		close(s.ResultDistributor)
		s.wg.Wait()
		close(s.failures)
		<-s.drained

		if n := len(s.failed); n > 0 {
			err = errors.Mark(errors.Wrapf(s.failed[0], "%d storage writes failed", n), errors.ErrPartialFailure)
		}
		err = errors.Combine(err, s.closeBackends())
	})
	return err
}

// collectFailures keeps the write errors reported by the engines until the
// failures channel is closed
func (s *StorageManager) collectFailures() {
	defer close(s.drained)
	for err := range s.failures {
		s.failed = append(s.failed, err)
	}
}

func (s *StorageManager) closeBackends() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// startResultDistributor forwards every received result to each engine and
// closes the engine channels once the distributor is closed
func (s *StorageManager) startResultDistributor(ctx context.Context) {
	defer s.wg.Done()

	count := 0
	for {
		select {
		case r, ok := <-s.ResultDistributor:
			if !ok {
				for _, e := range s.Engines {
					close(e.C)
				}
				s.logger.Debugw("result distributor drained", "results", count)
				return
			}
			count++
			if len(s.Engines) == 0 {
				s.logger.Debugw("no storage engine configured, result discarded", "run", r.Summary.RunNumber)
				continue
			}
			for _, e := range s.Engines {
				select {
				case e.C <- r:
				case <-ctx.Done():
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
