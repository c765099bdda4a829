package audit

import (
	"context"
	"errors"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/db"
)

type RelayConfig struct {
	BatchSize    int
	Attempts     int           // in-process attempts per item and drain
	InitialDelay time.Duration // first in-process retry delay
	RetryBase    time.Duration // outbox backoff after a failed drain
	RetryMax     time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 20 * time.Millisecond
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Minute
	}
	return c
}

// Relay moves queued entries from the outbox into the audit log. Entries
// queued without a sequence get one at delivery time.
type Relay struct {
	tx     db.TxRunner
	store  Store
	outbox Outbox
	cfg    RelayConfig
	now    func() time.Time
	log    zerolog.Logger
}

func NewRelay(tx db.TxRunner, store Store, outbox Outbox, cfg RelayConfig, log zerolog.Logger) *Relay {
	return &Relay{
		tx:     tx,
		store:  store,
		outbox: outbox,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		log:    log,
	}
}

// Drain delivers one batch of due entries.
func (r *Relay) Drain(ctx context.Context) (delivered, failed int, err error) {
	pending, err := r.outbox.Pending(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return 0, 0, err
	}

	retryer := retry.New[bool](retry.Config{
		MaxAttempts:   r.cfg.Attempts,
		InitialDelay:  r.cfg.InitialDelay,
		BackoffPolicy: retry.BackoffExponential,
	})

	for _, p := range pending {
		if ctx.Err() != nil {
			return delivered, failed, ctx.Err()
		}

		duplicate, derr := retryer.Do(ctx, func(ctx context.Context) (bool, error) {
			return r.deliver(ctx, p)
		})
		if derr == nil && duplicate {
			derr = r.outbox.Delivered(ctx, p.Entry.ID)
		}
		if derr != nil {
			failed++
			retryAt := r.now().Add(r.backoff(p.Attempts + 1))
			if ferr := r.outbox.Failed(ctx, p.Entry.ID, derr, retryAt); ferr != nil {
				r.log.Error().Err(ferr).Str("entry_id", p.Entry.ID.String()).Msg("mark outbox entry failed")
			}
			r.log.Warn().
				Err(derr).
				Str("entry_id", p.Entry.ID.String()).
				Int("attempts", p.Attempts+1).
				Time("retry_at", retryAt).
				Msg("audit relay delivery failed")
			continue
		}
		delivered++
	}
	return delivered, failed, nil
}

// deliver reports true when the entry was already in the log.
func (r *Relay) deliver(ctx context.Context, p PendingEntry) (bool, error) {
	entry := p.Entry
	err := r.tx.InTx(ctx, func(ctx context.Context) error {
		if entry.Sequence == 0 {
			seq, err := r.store.NextSequence(ctx, entry.ResourceType, entry.ResourceID)
			if err != nil {
				return err
			}
			entry.Sequence = seq
		}
		if err := r.store.Append(ctx, &entry); err != nil {
			return err
		}
		return r.outbox.Delivered(ctx, entry.ID)
	})
	if errors.Is(err, ErrDuplicateEntry) {
		return true, nil
	}
	return false, err
}

func (r *Relay) backoff(attempts int) time.Duration {
	d := r.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.RetryMax {
			return r.cfg.RetryMax
		}
	}
	return d
}

// Run drains the outbox once at startup and then on every tick until ctx ends.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	r.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("audit relay stopping")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Relay) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	delivered, failed, err := r.Drain(runCtx)
	if err != nil {
		r.log.Error().Err(err).Msg("audit relay run failed")
		return
	}
	if delivered > 0 || failed > 0 {
		r.log.Info().
			Int("delivered", delivered).
			Int("failed", failed).
			Dur("took", time.Since(start)).
			Msg("audit relay run complete")
	}
}
