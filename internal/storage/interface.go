// Package storage defines the interface shared by the run result backends.
package storage

import (
	"context"
	"sync"

	"github.com/bregeon/LidarEyeball/internal/types"
)

// StorageEngineInterface is implemented by every backend that consumes
// processed runs. The returned channel is read until ctx is cancelled. Every
// result the backend fails to store is reported on failures, which stays
// open until the wait group is done.
type StorageEngineInterface interface {
	StartStorageEngine(ctx context.Context, wg *sync.WaitGroup, failures chan<- error) chan<- types.RunResult
}
