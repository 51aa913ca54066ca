package processor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/everclear/mark/core"
	"github.com/everclear/mark/metrics"
	"github.com/everclear/mark/storage/queue"
)

const (
	dequeueBatch = 10
	// scanBatch matches the queue's dequeue clamp so one scan sees every
	// due event.
	scanBatch    = 1000
	idleSleepMin = 100 * time.Millisecond
	idleSleepMax = 5 * time.Second
)

// Handler is what the pool drives; the Processor implements it.
type Handler interface {
	Handle(ctx context.Context, ev *core.QueuedEvent) Outcome
}

// Pool drains the event queue with K independent workers. Each worker
// loops dequeue -> handle -> acknowledge/retry/dead-letter; queue
// atomicity guarantees an event reaches at most one worker. When K > 1
// one worker is reserved for HIGH priority events: it scans the due
// backlog for HIGH work and returns everything else to pending, so a
// wall of NORMAL invoices never delays a settlement.
type Pool struct {
	queue     *queue.Queue
	handler   Handler
	workers   int
	retryBase time.Duration
	retryMax  time.Duration
}

// NewPool builds a consumer pool of `workers` goroutines.
func NewPool(q *queue.Queue, handler Handler, workers int, retryBase, retryMax time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	if retryBase <= 0 {
		retryBase = 5 * time.Second
	}
	if retryMax <= 0 {
		retryMax = 10 * time.Minute
	}
	return &Pool{queue: q, handler: handler, workers: workers, retryBase: retryBase, retryMax: retryMax}
}

// Run blocks until ctx is cancelled. It first reclaims events stranded in
// processing by a previous crash, then starts the workers.
func (p *Pool) Run(ctx context.Context) {
	restored, err := p.queue.MoveProcessingToPending(ctx)
	if err != nil {
		logger.Errorw("processing reclaim failed", "err", err)
	} else if restored > 0 {
		logger.Infow("reclaimed in-flight events", "count", restored)
	}

	var wg sync.WaitGroup
	start := 0
	if p.workers > 1 {
		start = 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.highWorker(ctx)
		}()
	}
	for i := start; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

// highWorker is the reserved HIGH priority consumer. An empty scan backs
// off a full idle interval to cap the churn of returning NORMAL events.
func (p *Pool) highWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if paused, err := p.queue.IsPaused(ctx); err != nil || paused {
			if err != nil {
				logger.Errorw("pause flag read failed", "worker", "high", "err", err)
			}
			sleepCtx(ctx, idleSleepMax)
			continue
		}

		if p.scanHigh(ctx) == 0 {
			sleepCtx(ctx, idleSleepMax)
		}
	}
}

// scanHigh walks every due event once, handles the HIGH ones and sends the
// rest straight back to pending with their schedule intact. FIFO order
// across distinct scheduledAt values is preserved; only the insertion-order
// tiebreak within one millisecond moves.
func (p *Pool) scanHigh(ctx context.Context) int {
	handled := 0
	for _, t := range core.EventTypes {
		events, err := p.queue.Dequeue(ctx, t, scanBatch)
		if err != nil {
			logger.Errorw("dequeue failed", "worker", "high", "type", t, "err", err)
			continue
		}
		for _, ev := range events {
			select {
			case <-ctx.Done():
				// Leftovers stay in processing; startup reclaim restores them.
				return handled
			default:
			}
			if ev.Priority == core.PriorityHigh {
				p.dispatch(ctx, ev)
				handled++
				continue
			}
			if _, err := p.queue.Enqueue(ctx, ev, true); err != nil {
				logger.Errorw("pending restore failed", "id", ev.ID, "err", err)
			}
		}
	}
	return handled
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if paused, err := p.queue.IsPaused(ctx); err != nil || paused {
			if err != nil {
				logger.Errorw("pause flag read failed", "worker", id, "err", err)
			}
			sleepCtx(ctx, idleSleepMax)
			continue
		}

		handled := 0
		for _, t := range core.EventTypes {
			events, err := p.queue.Dequeue(ctx, t, dequeueBatch)
			if err != nil {
				logger.Errorw("dequeue failed", "worker", id, "type", t, "err", err)
				continue
			}
			// Priority advises the pool: serve HIGH first within the batch;
			// queue order across batches stays FIFO.
			sort.SliceStable(events, func(i, j int) bool {
				return events[i].Priority > events[j].Priority
			})
			for _, ev := range events {
				p.dispatch(ctx, ev)
				handled++
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
		if handled == 0 {
			sleepCtx(ctx, p.idleSleep(ctx))
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, ev *core.QueuedEvent) {
	outcome := p.handler.Handle(ctx, ev)
	metrics.EventsHandled.WithLabelValues(string(ev.Type), outcome.Result.String()).Inc()

	switch outcome.Result {
	case ResultSuccess:
		if err := p.queue.Acknowledge(ctx, ev); err != nil {
			logger.Errorw("acknowledge failed", "id", ev.ID, "err", err)
		}
	case ResultInvalid:
		logger.Warnw("event invalid", "id", ev.ID, "type", ev.Type, "err", outcome.Err)
		if ev.Type == core.EventInvoiceEnqueued {
			if err := p.queue.AddInvalidInvoice(ctx, ev.ID); err != nil {
				logger.Errorw("invalid marker write failed", "id", ev.ID, "err", err)
			}
		}
		if err := p.queue.Acknowledge(ctx, ev); err != nil {
			logger.Errorw("acknowledge failed", "id", ev.ID, "err", err)
		}
	case ResultFailure:
		p.retry(ctx, ev, outcome)
	}
}

// retry re-schedules a failed event with exponential backoff, or parks it
// in the dead-letter queue once retries are exhausted. Events with
// MaxRetries = -1 retry forever and never count attempts.
func (p *Pool) retry(ctx context.Context, ev *core.QueuedEvent, outcome Outcome) {
	if ev.MaxRetries != core.InfiniteRetries {
		ev.RetryCount++
		if ev.RetryCount > ev.MaxRetries {
			cause := "retries exhausted"
			if outcome.Err != nil {
				cause = outcome.Err.Error()
			}
			metrics.DeadLettered.WithLabelValues(string(ev.Type)).Inc()
			logger.Warnw("moving event to dead-letter", "id", ev.ID, "type", ev.Type, "cause", cause)
			if err := p.queue.MoveToDeadLetter(ctx, ev, cause); err != nil {
				logger.Errorw("dead-letter move failed", "id", ev.ID, "err", err)
			}
			return
		}
	}

	delay := outcome.RetryAfter
	if delay <= 0 {
		delay = p.backoff(ev.RetryCount)
	}
	ev.ScheduledAt = time.Now().Add(delay).UnixNano() / int64(time.Millisecond)
	if _, err := p.queue.Enqueue(ctx, ev, true); err != nil {
		logger.Errorw("retry enqueue failed", "id", ev.ID, "err", err)
	}
}

func (p *Pool) backoff(retryCount int) time.Duration {
	d := p.retryBase
	for i := 0; i < retryCount && d < p.retryMax; i++ {
		d *= 2
	}
	if d > p.retryMax {
		d = p.retryMax
	}
	return d
}

// idleSleep sizes the idle pause from the next scheduled event, bounded to
// [idleSleepMin, idleSleepMax].
func (p *Pool) idleSleep(ctx context.Context) time.Duration {
	next := idleSleepMax
	for _, t := range core.EventTypes {
		at, err := p.queue.PeekNextScheduledTime(ctx, t)
		if err != nil || at.IsZero() {
			continue
		}
		if until := time.Until(at); until < next {
			next = until
		}
	}
	if next < idleSleepMin {
		next = idleSleepMin
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
