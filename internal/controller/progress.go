package controller

import (
	"sync"
	"time"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// Progress is a point-in-time view of a running lane.
type Progress struct {
	Lane               string        `json:"lane"`
	RunID              string        `json:"runId,omitempty"`
	State              crawler.State `json:"state"`
	Sequence           int           `json:"sequence"`
	Attempted          int           `json:"attempted"`
	Fetched            int           `json:"fetched"`
	Empty              int           `json:"empty"`
	Failed             int           `json:"failed"`
	Pending            int           `json:"pending"`
	ConsecutiveEmpty   int           `json:"consecutiveEmpty"`
	ConsecutiveFailure int           `json:"consecutiveFailure"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

type progressBox struct {
	mu sync.RWMutex
	p  Progress
}

func (b *progressBox) set(p Progress) {
	b.mu.Lock()
	b.p = p
	b.mu.Unlock()
}

func (b *progressBox) get() Progress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.p
}
