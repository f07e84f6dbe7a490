package engine

import (
	"sync"

	"github.com/Tacke300/fund-sub001/internal/models"
)

// PnlLedger accumulates realized PnL across closed cycles and keeps a bounded
// append-only history. When the cap is reached the oldest record is evicted;
// the cumulative total is never reduced by eviction.
type PnlLedger struct {
	mu      sync.Mutex
	cap     int
	total   float64
	history []models.CycleRecord
}

func NewPnlLedger(cap int) *PnlLedger {
	if cap <= 0 {
		cap = 100
	}
	return &PnlLedger{cap: cap}
}

func (l *PnlLedger) Append(rec models.CycleRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total += rec.RealizedPnl
	l.history = append(l.history, rec)
	if len(l.history) > l.cap {
		l.history = l.history[len(l.history)-l.cap:]
	}
}

func (l *PnlLedger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// History returns a copy, oldest first.
func (l *PnlLedger) History() []models.CycleRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.CycleRecord, len(l.history))
	copy(out, l.history)
	return out
}

func (l *PnlLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}
