package outbox

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/getmu/control-plane/internal/envelope"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mu_outbox_deliveries_total",
			Help: "Outbox delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mu_outbox_queue_depth",
			Help: "Outbox records awaiting delivery",
		},
	)
)

// Deliverer pushes one outbound envelope to its channel.
type Deliverer interface {
	Deliver(ctx context.Context, env envelope.Outbound) error
}

// PermanentError marks a delivery failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the worker dead-letters instead of retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// WorkerConfig tunes the delivery loop.
type WorkerConfig struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64
	PollInterval   time.Duration
}

// Worker drains the outbox: it selects runnable records under the store lock
// and runs the delivery callback outside it.
type Worker struct {
	outbox     *Outbox
	deliverers map[envelope.Channel]Deliverer
	cfg        WorkerConfig
	logger     *slog.Logger

	// onDelivered receives a delivery_completed signal after a record lands.
	// The pipeline consumes it; the worker never mutates command state itself.
	onDelivered func(Record)
}

// NewWorker builds a delivery worker over the given per-channel deliverers.
func NewWorker(ob *Outbox, deliverers map[envelope.Channel]Deliverer, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		outbox:     ob,
		deliverers: deliverers,
		cfg:        cfg,
		logger:     logger,
	}
}

// OnDelivered registers the delivery_completed consumer. Must be called
// before Run.
func (w *Worker) OnDelivered(fn func(Record)) {
	w.onDelivered = fn
}

// Run drains runnable records until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
			queueDepth.Set(float64(w.outbox.QueueDepth()))
		}
	}
}

// drain delivers every currently runnable record once.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		rec, ok := w.outbox.NextRunnable(time.Now().UnixMilli())
		if !ok {
			return
		}
		w.deliverOne(ctx, rec)
	}
}

func (w *Worker) deliverOne(ctx context.Context, rec Record) {
	channel := rec.Envelope.Channel
	deliverer, ok := w.deliverers[channel]
	if !ok {
		w.fail(rec, errors.New("no deliverer for channel "+string(channel)), false)
		return
	}

	err := deliverer.Deliver(ctx, rec.Envelope)
	if err == nil {
		delivered, markErr := w.outbox.MarkDelivered(rec.OutboxID)
		if markErr != nil {
			w.logger.Error("outbox mark delivered failed",
				slog.String("outbox_id", rec.OutboxID),
				slog.String("error", markErr.Error()))
			return
		}
		deliveriesTotal.WithLabelValues(string(channel), "delivered").Inc()
		if w.onDelivered != nil {
			w.onDelivered(delivered)
		}
		return
	}

	var perm *PermanentError
	retryable := !errors.As(err, &perm)
	w.fail(rec, err, retryable)
}

func (w *Worker) fail(rec Record, cause error, retryable bool) {
	failed, markErr := w.outbox.MarkFailed(rec.OutboxID, cause, retryable, w.cfg.MaxAttempts, w.backoff)
	if markErr != nil {
		w.logger.Error("outbox mark failed failed",
			slog.String("outbox_id", rec.OutboxID),
			slog.String("error", markErr.Error()))
		return
	}

	result := "retried"
	if failed.State == StateDeadLetter {
		result = "dead_letter"
	}
	deliveriesTotal.WithLabelValues(string(rec.Envelope.Channel), result).Inc()
	w.logger.Warn("outbox delivery failed",
		slog.String("outbox_id", rec.OutboxID),
		slog.String("channel", string(rec.Envelope.Channel)),
		slog.Int("attempt", failed.Attempt),
		slog.String("state", string(failed.State)),
		slog.String("error", cause.Error()))
}

// backoff computes base*2^(attempt-1) capped at MaxBackoff, with a
// ±JitterFraction jitter so retries across records spread out.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			d = w.cfg.MaxBackoff
			break
		}
	}
	if w.cfg.JitterFraction > 0 {
		jitter := 1 + w.cfg.JitterFraction*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * jitter)
	}
	return d
}
