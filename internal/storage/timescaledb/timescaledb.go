// Package timescaledb stores per-window transmission and corrected trigger
// rates in PostgreSQL hypertables.
package timescaledb

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/bregeon/LidarEyeball/internal/database"
	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// batchSize bounds the rows sent per INSERT
const batchSize = 500

// Storage is a TimescaleDB result sink
type Storage struct {
	DB     *gorm.DB
	logger *zap.SugaredLogger
}

// TransmissionRecord is one row of lidar_transmission
type TransmissionRecord struct {
	Time         time.Time `gorm:"column:time"`
	RunNumber    int       `gorm:"column:run_number"`
	ProcessingID string    `gorm:"column:processing_id"`
	Altitude     float64   `gorm:"column:altitude"`
	Transmission *float64  `gorm:"column:transmission"`
	RelErr       float64   `gorm:"column:rel_err"`
	Valid        bool      `gorm:"column:valid"`
}

// TableName implements gorm's Tabler
func (TransmissionRecord) TableName() string { return "lidar_transmission" }

// CorrectedRateRecord is one row of corrected_trigger_rates
type CorrectedRateRecord struct {
	Time         time.Time `gorm:"column:time"`
	RunNumber    int       `gorm:"column:run_number"`
	ProcessingID string    `gorm:"column:processing_id"`
	Mode         string    `gorm:"column:mode"`
	Count        int64     `gorm:"column:count"`
	Duration     float64   `gorm:"column:duration"`
	RawRate      float64   `gorm:"column:raw_rate"`
	Rate         float64   `gorm:"column:rate"`
	Factor       float64   `gorm:"column:factor"`
	Transmission *float64  `gorm:"column:transmission"`
	Uncertainty  float64   `gorm:"column:uncertainty"`
	Flag         string    `gorm:"column:flag"`
}

// TableName implements gorm's Tabler
func (CorrectedRateRecord) TableName() string { return "corrected_trigger_rates" }

// New connects to TimescaleDB and creates the hypertables when missing
func New(ctx context.Context, connectionString string, logger *zap.SugaredLogger) (*Storage, error) {
	db, err := database.CreateConnection(connectionString)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to TimescaleDB")
	}
	return open(ctx, db, logger)
}

// open creates the schema over db, closing the pool when that fails
func open(ctx context.Context, db *gorm.DB, logger *zap.SugaredLogger) (*Storage, error) {
	s := NewWithDB(db, logger)
	if err := s.CreateSchema(ctx); err != nil {
		if cerr := s.Close(); cerr != nil {
			s.logger.Warnw("could not close TimescaleDB connection", "error", cerr)
		}
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open connection without touching the schema
func NewWithDB(db *gorm.DB, logger *zap.SugaredLogger) *Storage {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Storage{DB: db, logger: logger}
}

// Close closes the underlying connection pool
func (t *Storage) Close() error {
	sqlDB, err := t.DB.DB()
	if err != nil {
		return errors.Wrap(err, "getting connection pool")
	}
	return sqlDB.Close()
}

// CreateSchema creates the tables, the TimescaleDB extension and the
// hypertables. Every statement is idempotent.
func (t *Storage) CreateSchema(ctx context.Context) error {
	steps := []struct {
		name string
		sql  string
	}{
		{"transmission table", createTransmissionTableSQL},
		{"corrected rates table", createCorrectedRatesTableSQL},
		{"TimescaleDB extension", createExtensionSQL},
		{"transmission hypertable", createTransmissionHypertableSQL},
		{"corrected rates hypertable", createCorrectedRatesHypertableSQL},
		{"run indexes", createRunIndexesSQL},
	}
	for _, step := range steps {
		t.logger.Infof("creating %s...", step.name)
		if err := t.DB.WithContext(ctx).Exec(step.sql).Error; err != nil {
			return errors.Wrapf(err, "creating %s", step.name)
		}
	}
	return nil
}

// StartStorageEngine stores every RunResult received on the returned channel
// until the channel is closed or ctx is cancelled. Failed writes are sent to
// failures.
func (t *Storage) StartStorageEngine(ctx context.Context, wg *sync.WaitGroup, failures chan<- error) chan<- types.RunResult {
	t.logger.Info("starting TimescaleDB storage engine")
	results := make(chan types.RunResult, 10)
	wg.Add(1)
	go t.processResults(ctx, wg, results, failures)
	return results
}

func (t *Storage) processResults(ctx context.Context, wg *sync.WaitGroup, results <-chan types.RunResult, failures chan<- error) {
	defer wg.Done()
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return
			}
			if err := t.StoreResult(ctx, r); err != nil {
				t.logger.Errorw("could not store run result", "run", r.Summary.RunNumber, "error", err)
				failures <- err
			}
		case <-ctx.Done():
			t.logger.Info("cancellation request received, stopping TimescaleDB engine")
			return
		}
	}
}

// StoreResult writes the transmission points and corrected bins of r in one
// transaction
func (t *Storage) StoreResult(ctx context.Context, r types.RunResult) error {
	transmission := TransmissionRecords(r)
	corrected := CorrectedRateRecords(r)
	if len(transmission) == 0 && len(corrected) == 0 {
		return nil
	}

	return t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(transmission) > 0 {
			if err := tx.CreateInBatches(transmission, batchSize).Error; err != nil {
				return errors.Wrapf(err, "storing transmission of run %d", r.Summary.RunNumber)
			}
		}
		if len(corrected) > 0 {
			if err := tx.CreateInBatches(corrected, batchSize).Error; err != nil {
				return errors.Wrapf(err, "storing corrected rates of run %d", r.Summary.RunNumber)
			}
		}
		return nil
	})
}

// TransmissionRecords flattens the transmission series of r
func TransmissionRecords(r types.RunResult) []TransmissionRecord {
	out := make([]TransmissionRecord, 0, len(r.Transmission))
	for _, p := range r.Transmission {
		out = append(out, TransmissionRecord{
			Time:         p.Time.UTC(),
			RunNumber:    r.Summary.RunNumber,
			ProcessingID: r.Summary.ProcessingID,
			Altitude:     r.Altitude,
			Transmission: finite(p.Transmission),
			RelErr:       p.RelErr,
			Valid:        p.Valid,
		})
	}
	return out
}

// CorrectedRateRecords flattens the corrected trigger series of r
func CorrectedRateRecords(r types.RunResult) []CorrectedRateRecord {
	if r.Corrected == nil {
		return nil
	}
	out := make([]CorrectedRateRecord, 0, len(r.Corrected.Bins))
	for _, b := range r.Corrected.Bins {
		out = append(out, CorrectedRateRecord{
			Time:         b.Time.UTC(),
			RunNumber:    r.Corrected.RunNumber,
			ProcessingID: r.Summary.ProcessingID,
			Mode:         string(r.Corrected.Mode),
			Count:        b.Count,
			Duration:     b.Duration.Seconds(),
			RawRate:      b.RawRate,
			Rate:         b.Rate,
			Factor:       b.Factor,
			Transmission: finite(b.Transmission),
			Uncertainty:  b.Uncertainty,
			Flag:         string(b.Flag),
		})
	}
	return out
}

// finite maps NaN and Inf to NULL
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
