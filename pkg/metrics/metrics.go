// Package metrics defines the execution-layer metrics surface.
package metrics

import (
	"time"

	"github.com/fastpath-db/fastpath/pkg/models"
)

// Collector receives execution-layer events.
type Collector interface {
	QueryExecuted(category, pool, status string, duration time.Duration)
	CacheLookup(hit bool)
	StatementPrepared()
	StatementEvicted()
	PoolObserved(snapshot models.PoolSnapshot)
	TransactionCompleted(status string, statements int)
}

// NoOp discards all events.
type NoOp struct{}

func (NoOp) QueryExecuted(string, string, string, time.Duration) {}
func (NoOp) CacheLookup(bool)                                    {}
func (NoOp) StatementPrepared()                                  {}
func (NoOp) StatementEvicted()                                   {}
func (NoOp) PoolObserved(models.PoolSnapshot)                    {}
func (NoOp) TransactionCompleted(string, int)                    {}
