package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"regioncron/internal/worker"
)

// Postgres listens with LISTEN/NOTIFY. Each subscription holds one dedicated
// pooled connection and reconnects with backoff when it drops.
type Postgres struct {
	pool   *pgxpool.Pool
	buffer int
	log    zerolog.Logger
}

func NewPostgres(ctx context.Context, dsn string, log zerolog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open notification pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping notification pool: %w", err)
	}
	return NewPostgresWithPool(pool, log), nil
}

func NewPostgresWithPool(pool *pgxpool.Pool, log zerolog.Logger) *Postgres {
	return &Postgres{pool: pool, buffer: 64, log: log}
}

func (p *Postgres) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	out := make(chan Message, p.buffer)
	ready := make(chan error, 1)
	go p.loop(ctx, topic, out, ready)

	select {
	case err := <-ready:
		if err != nil {
			return nil, err
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Postgres) loop(ctx context.Context, topic string, out chan<- Message, ready chan<- error) {
	defer close(out)
	log := p.log.With().Str("topic", topic).Logger()
	attempts := 0
	first := true
	for {
		err := p.listen(ctx, topic, out, func() {
			attempts = 0
			if first {
				first = false
				ready <- nil
			}
		})
		if ctx.Err() != nil {
			return
		}
		if first {
			// the initial LISTEN must succeed so misconfiguration fails fast
			ready <- err
			return
		}
		attempts++
		delay := worker.Backoff(attempts)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("notification listener dropped")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (p *Postgres) listen(ctx context.Context, topic string, out chan<- Message, listening func()) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer func() {
		// a LISTENing connection must not go back to the pool
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", topic, err)
	}
	listening()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		select {
		case out <- Message{Topic: n.Channel, Payload: []byte(n.Payload)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Postgres) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(payload))
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
