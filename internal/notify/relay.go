package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"regioncron/internal/region"
	"regioncron/internal/worker"
)

// Handler processes one notification against the region it was routed to.
type Handler func(ctx context.Context, reg *region.Region, n Notification) error

type Resolver interface {
	ForProject(ctx context.Context, projectID string) (*region.Region, error)
}

type Stats struct {
	Received   int64 `json:"received"`
	Dispatched int64 `json:"dispatched"`
	Dropped    int64 `json:"dropped"`
	Failed     int64 `json:"failed"`
}

type Relay struct {
	ch      Channel
	regions Resolver
	pool    *worker.Pool
	log     zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
	ready    chan struct{}

	received, dispatched, dropped, failed atomic.Int64
}

// NewRelay creates a relay that runs at most concurrency handlers at once.
func NewRelay(ch Channel, regions Resolver, concurrency int, log zerolog.Logger) *Relay {
	return &Relay{
		ch:       ch,
		regions:  regions,
		pool:     worker.NewPool(concurrency, log),
		log:      log,
		handlers: make(map[string]Handler),
		ready:    make(chan struct{}),
	}
}

// Listen binds h to topic. It must be called before Run.
func (r *Relay) Listen(topic string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("relay already running")
	}
	if _, dup := r.handlers[topic]; dup {
		return fmt.Errorf("topic %q already has a handler", topic)
	}
	r.handlers[topic] = h
	return nil
}

// Ready is closed once every topic subscription is established.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Run subscribes to every bound topic and dispatches messages until ctx is
// done. It returns after in-flight handlers have finished.
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("relay already running")
	}
	r.running = true
	handlers := make(map[string]Handler, len(r.handlers))
	for k, v := range r.handlers {
		handlers[k] = v
	}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	streams := make(map[string]<-chan Message, len(handlers))
	for topic := range handlers {
		msgs, err := r.ch.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		streams[topic] = msgs
		r.log.Info().Str("topic", topic).Msg("listening for notifications")
	}
	close(r.ready)

	var wg sync.WaitGroup
	for topic, msgs := range streams {
		wg.Add(1)
		go func(topic string, msgs <-chan Message, h Handler) {
			defer wg.Done()
			r.loop(ctx, topic, msgs, h)
		}(topic, msgs, handlers[topic])
	}
	wg.Wait()
	r.pool.Wait()
	return nil
}

func (r *Relay) loop(ctx context.Context, topic string, msgs <-chan Message, h Handler) {
	log := r.log.With().Str("topic", topic).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				log.Warn().Msg("notification stream closed")
				return
			}
			r.received.Add(1)
			if m.Topic == "" {
				m.Topic = topic
			}
			n, err := Decode(m)
			if err != nil {
				r.dropped.Add(1)
				log.Warn().Err(err).Bytes("payload", m.Payload).Msg("dropping notification")
				continue
			}
			// handlers outlive shutdown of the loop; Run waits for them
			hctx := context.WithoutCancel(ctx)
			if !r.pool.Go(ctx, func(context.Context) { r.handle(hctx, h, n, log) }) {
				return
			}
		}
	}
}

func (r *Relay) handle(ctx context.Context, h Handler, n Notification, log zerolog.Logger) {
	log = log.With().Str("project_id", n.ProjectID).Str("item_id", n.FileID).Logger()
	reg, err := r.regions.ForProject(ctx, n.ProjectID)
	if err != nil {
		r.dropped.Add(1)
		log.Warn().Err(err).Msg("dropping notification, region not resolvable")
		return
	}
	r.dispatched.Add(1)
	err = func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = worker.PanicError(rec)
			}
		}()
		return h(ctx, reg, n)
	}()
	if err != nil {
		r.failed.Add(1)
		log.Error().Err(err).Str("region", reg.Key).Msg("notification handler failed")
	}
}

func (r *Relay) Stats() Stats {
	return Stats{
		Received:   r.received.Load(),
		Dispatched: r.dispatched.Load(),
		Dropped:    r.dropped.Load(),
		Failed:     r.failed.Load(),
	}
}
