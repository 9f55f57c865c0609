package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
)

var (
	// fallbackTotal counts operations the primary failed and the fallback
	// served. Any increase means the two backends may have diverged.
	fallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_storage_fallback_total",
			Help: "Operations served by the fallback backend after a primary failure.",
		},
		[]string{"op"},
	)

	// unavailableTotal counts operations that no backend could serve.
	unavailableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_storage_unavailable_total",
			Help: "Operations that failed on every configured backend.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(fallbackTotal, unavailableTotal)
}

// Dual implements Backend over a primary and a fallback backend.
//
// Every operation goes to the primary first. Any primary error other than
// ErrNotFound is logged, counted, and the operation is retried against the
// fallback within the same call. Fallback errors surface as ErrUnavailable.
// A nil primary means "no database configured": every call goes straight to
// the fallback.
//
// The backends may diverge while the primary is failing; Reconcile reports
// and optionally repairs that divergence.
type Dual struct {
	primary  Backend
	fallback Backend
	timeout  time.Duration
	log      zerolog.Logger
}

// Option configures a Dual.
type Option func(*Dual)

// WithTimeout bounds every backend call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Dual) { s.timeout = d }
}

// WithLogger sets the logger used for fallback warnings.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Dual) { s.log = l }
}

// NewDual composes primary (may be nil) and fallback (required).
func NewDual(primary, fallback Backend, opts ...Option) *Dual {
	d := &Dual{
		primary:  primary,
		fallback: fallback,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name reports both backends, e.g. "dual(sqlite,file)".
func (d *Dual) Name() string {
	if d.primary == nil {
		return "dual(-," + d.fallback.Name() + ")"
	}
	return "dual(" + d.primary.Name() + "," + d.fallback.Name() + ")"
}

// Primary returns the primary backend, or nil when none is configured.
func (d *Dual) Primary() Backend { return d.primary }

// Fallback returns the fallback backend.
func (d *Dual) Fallback() Backend { return d.fallback }

// exec runs fn on the primary, then on the fallback when the primary fails.
func exec[T any](ctx context.Context, d *Dual, op string, fn func(context.Context, Backend) (T, error)) (T, error) {
	if d.primary != nil {
		v, err := bounded(ctx, d.timeout, d.primary, fn)
		if err == nil || errors.Is(err, ErrNotFound) {
			return v, err
		}
		fallbackTotal.WithLabelValues(op).Inc()
		d.log.Warn().
			Err(err).
			Str("op", op).
			Str("primary", d.primary.Name()).
			Str("fallback", d.fallback.Name()).
			Msg("primary backend failed; using fallback")
	}

	v, err := bounded(ctx, d.timeout, d.fallback, fn)
	if err == nil || errors.Is(err, ErrNotFound) {
		return v, err
	}
	unavailableTotal.WithLabelValues(op).Inc()
	var zero T
	return zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// bounded applies the per-call timeout, if any.
func bounded[T any](ctx context.Context, timeout time.Duration, b Backend, fn func(context.Context, Backend) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, b)
}

// none is the result type of operations that only return an error.
type none struct{}

func (d *Dual) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return exec(ctx, d, "get_task", func(ctx context.Context, b Backend) (*domain.Task, error) {
		return b.GetTask(ctx, taskID)
	})
}

func (d *Dual) CommitTask(ctx context.Context, task *domain.Task, history []domain.HistoryEntry) error {
	_, err := exec(ctx, d, "commit_task", func(ctx context.Context, b Backend) (none, error) {
		return none{}, b.CommitTask(ctx, task, history)
	})
	return err
}

func (d *Dual) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return exec(ctx, d, "list_tasks", func(ctx context.Context, b Backend) ([]domain.Task, error) {
		return b.ListTasks(ctx)
	})
}

func (d *Dual) ListHistory(ctx context.Context, taskID string, limit int) ([]domain.HistoryEntry, error) {
	return exec(ctx, d, "list_history", func(ctx context.Context, b Backend) ([]domain.HistoryEntry, error) {
		return b.ListHistory(ctx, taskID, limit)
	})
}

func (d *Dual) SaveCOD(ctx context.Context, entry *domain.CODEntry) error {
	_, err := exec(ctx, d, "save_cod", func(ctx context.Context, b Backend) (none, error) {
		return none{}, b.SaveCOD(ctx, entry)
	})
	return err
}

func (d *Dual) GetCOD(ctx context.Context, driverID, entryID string) (*domain.CODEntry, error) {
	return exec(ctx, d, "get_cod", func(ctx context.Context, b Backend) (*domain.CODEntry, error) {
		return b.GetCOD(ctx, driverID, entryID)
	})
}

func (d *Dual) ListCOD(ctx context.Context, driverID, status string) ([]domain.CODEntry, error) {
	return exec(ctx, d, "list_cod", func(ctx context.Context, b Backend) ([]domain.CODEntry, error) {
		return b.ListCOD(ctx, driverID, status)
	})
}

func (d *Dual) SaveEvent(ctx context.Context, ev *domain.WebhookEvent) error {
	_, err := exec(ctx, d, "save_event", func(ctx context.Context, b Backend) (none, error) {
		return none{}, b.SaveEvent(ctx, ev)
	})
	return err
}

func (d *Dual) GetEvent(ctx context.Context, id string) (*domain.WebhookEvent, error) {
	return exec(ctx, d, "get_event", func(ctx context.Context, b Backend) (*domain.WebhookEvent, error) {
		return b.GetEvent(ctx, id)
	})
}

func (d *Dual) ListPendingEvents(ctx context.Context, maxRetry int) ([]domain.WebhookEvent, error) {
	return exec(ctx, d, "list_pending_events", func(ctx context.Context, b Backend) ([]domain.WebhookEvent, error) {
		return b.ListPendingEvents(ctx, maxRetry)
	})
}

func (d *Dual) ListEvents(ctx context.Context) ([]domain.WebhookEvent, error) {
	return exec(ctx, d, "list_events", func(ctx context.Context, b Backend) ([]domain.WebhookEvent, error) {
		return b.ListEvents(ctx)
	})
}

func (d *Dual) CountEventsByStatus(ctx context.Context) (map[string]int64, error) {
	return exec(ctx, d, "count_events", func(ctx context.Context, b Backend) (map[string]int64, error) {
		return b.CountEventsByStatus(ctx)
	})
}

// PurgeSettledCOD drops settled entries from the fallback representation
// only. The primary keeps every entry for audit.
func (d *Dual) PurgeSettledCOD(ctx context.Context) (int, error) {
	p, ok := d.fallback.(SettledPurger)
	if !ok {
		return 0, nil
	}
	n, err := bounded(ctx, d.timeout, d.fallback, func(ctx context.Context, _ Backend) (int, error) {
		return p.PurgeSettledCOD(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: purge_settled_cod: %v", ErrUnavailable, err)
	}
	return n, nil
}
