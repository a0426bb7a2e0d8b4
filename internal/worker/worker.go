package worker

import (
	"context"
	"time"

	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// DueQueue hands out compensation jobs whose due time has passed and takes
// failed ones back; *redisclient.Client implements it.
type DueQueue interface {
	ClaimDueCompensations(ctx context.Context, now time.Time, limit int64) ([]int64, error)
	ScheduleCompensation(ctx context.Context, orderID int64, dueAt time.Time) error
}

// Reconciler applies the timeout transition; *service.Reconciler implements it.
type Reconciler interface {
	CompensateTimeout(ctx context.Context, orderID int64) error
}

// CompensationWorker polls the delay queue and auto-fails stale unpaid
// orders. Claiming is atomic across pollers, and a job whose compensation
// fails is re-armed for the next tick; re-execution is safe because the
// status transition is a compare-and-swap.
type CompensationWorker struct {
	queue      DueQueue
	reconciler Reconciler
	interval   time.Duration
	batchSize  int64
	logger     *zap.Logger
	stop       chan struct{}
}

// NewCompensationWorker creates a new compensation worker
func NewCompensationWorker(queue DueQueue, reconciler Reconciler, interval time.Duration) *CompensationWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &CompensationWorker{
		queue:      queue,
		reconciler: reconciler,
		interval:   interval,
		batchSize:  100,
		logger:     util.GetLogger(),
		stop:       make(chan struct{}),
	}
}

// Start runs the polling loop until the context is cancelled or Stop is
// called. A failed claim or a failed job only skips the current tick; the
// next tick picks the queue back up.
func (w *CompensationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting compensation worker",
		zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Compensation worker context cancelled, stopping")
			return ctx.Err()
		case <-w.stop:
			w.logger.Info("Compensation worker stopped")
			return nil
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce claims and executes every currently due job.
func (w *CompensationWorker) runOnce(ctx context.Context) {
	orderIDs, err := w.queue.ClaimDueCompensations(ctx, time.Now(), w.batchSize)
	if err != nil {
		w.logger.Error("Failed to claim due compensations", zap.Error(err))
		return
	}

	for _, orderID := range orderIDs {
		if err := w.reconciler.CompensateTimeout(ctx, orderID); err != nil {
			// Isolated per order; the rest of the batch still runs. The job
			// goes back into the queue so a transient failure cannot strand
			// the order in PENDING_PAYMENT.
			w.logger.Error("Compensation job failed, re-arming",
				zap.Int64("order_id", orderID),
				zap.Error(err))
			if reErr := w.queue.ScheduleCompensation(ctx, orderID, time.Now().Add(w.interval)); reErr != nil {
				w.logger.Error("Failed to re-arm compensation job",
					zap.Int64("order_id", orderID),
					zap.Error(reErr))
			}
		}
	}
}

// Stop stops the worker
func (w *CompensationWorker) Stop() {
	close(w.stop)
}
