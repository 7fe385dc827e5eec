// Package events is the in-process domain event sink. Emit never blocks on
// listeners and never reports their failures back to the emitter.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"regioncron/internal/domain"
	"regioncron/internal/worker"
)

const (
	FileImportStarted   = "fileImport:started"
	FileImportProcessed = "fileImport:processed"
	FileImportExpired   = "fileImport:expired"

	// All subscribes a listener to every event name.
	All = "*"
)

type Event struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Region      string              `json:"region"`
	ProjectID   string              `json:"project_id"`
	Upload      domain.FileUpload   `json:"upload"`
	PriorStatus domain.UploadStatus `json:"prior_status,omitempty"`
	At          time.Time           `json:"at"`
}

type Emitter interface {
	Emit(ctx context.Context, e Event)
}

type Listener func(ctx context.Context, e Event)

type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Listener
	wg     sync.WaitGroup
	log    zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{subs: make(map[string]map[int]Listener), log: log}
}

// Subscribe registers fn for events named name (or All). The returned
// function removes the subscription.
func (b *Bus) Subscribe(name string, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.subs[name] == nil {
		b.subs[name] = make(map[int]Listener)
	}
	b.subs[name][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[name], id)
	}
}

// Emit stamps e and hands it to every matching listener on its own goroutine.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = "evt_" + uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	var targets []Listener
	for _, fn := range b.subs[e.Name] {
		targets = append(targets, fn)
	}
	for _, fn := range b.subs[All] {
		targets = append(targets, fn)
	}
	b.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)
	for _, fn := range targets {
		b.wg.Add(1)
		go func(fn Listener) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Err(worker.PanicError(r)).Str("event", e.Name).Str("event_id", e.ID).Msg("event listener panicked")
				}
			}()
			fn(ctx, e)
		}(fn)
	}
}

// Wait blocks until all deliveries started so far have finished.
func (b *Bus) Wait() { b.wg.Wait() }
