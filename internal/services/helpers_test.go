package services

import (
	"context"
	"sync"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/storage/memory"
)

var fixedNow = time.Date(2025, 3, 20, 9, 30, 0, 0, time.UTC)

type recordedEvent struct {
	kind string
	id   string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (p *recordingPublisher) PublishTransactionEvent(_ context.Context, kind string, tx core.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{kind: kind, id: tx.ID})
	return p.err
}

func (p *recordingPublisher) PublishInstallmentEvent(_ context.Context, kind string, in core.Installment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{kind: kind, id: in.ID})
	return p.err
}

func (p *recordingPublisher) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func newStore() *memory.Store {
	return memory.New(memory.DefaultCategories())
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
}

func fixedClock() time.Time { return fixedNow }
