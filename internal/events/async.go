package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/washmart/internal/model"
)

const (
	defaultQueueSize = 256
	publishTimeout   = 10 * time.Second
)

// Async ставит события в очередь и публикует их в отдельной горутине.
// При переполнении очереди событие отбрасывается с записью в лог.
// После остановки Run события публикуются синхронно.
type Async struct {
	next     Publisher
	backend  string
	logger   *zap.Logger
	recorder Recorder
	queue    chan model.OrderStatusChanged

	mu      sync.RWMutex
	stopped bool
}

// NewAsync создаёт асинхронную обёртку над публикатором. recorder может быть nil.
func NewAsync(next Publisher, backend string, logger *zap.Logger, recorder Recorder, queueSize int) *Async {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Async{
		next:     next,
		backend:  backend,
		logger:   logger,
		recorder: recorder,
		queue:    make(chan model.OrderStatusChanged, queueSize),
	}
}

// PublishStatusChanged не блокируется, пока работает Run, и никогда не возвращает ошибку доставки.
func (a *Async) PublishStatusChanged(ctx context.Context, evt model.OrderStatusChanged) error {
	a.mu.RLock()
	if a.stopped {
		a.mu.RUnlock()
		a.deliver(ctx, evt)
		return nil
	}
	defer a.mu.RUnlock()

	select {
	case a.queue <- evt:
	default:
		a.logger.Warn("event queue is full, dropping event",
			zap.String("orderID", evt.OrderID),
			zap.String("newStatus", string(evt.NewStatus)),
		)
	}
	return nil
}

// Run публикует события из очереди до отмены ctx, затем досылает оставшиеся.
func (a *Async) Run(ctx context.Context) error {
	a.logger.Info("starting event publisher", zap.String("backend", a.backend))
	for {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.stopped = true
			a.mu.Unlock()
			a.drain()
			a.logger.Info("stopping event publisher")
			return nil
		case evt := <-a.queue:
			a.deliver(ctx, evt)
		}
	}
}

func (a *Async) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case evt := <-a.queue:
			a.deliver(ctx, evt)
		default:
			return
		}
	}
}

func (a *Async) deliver(ctx context.Context, evt model.OrderStatusChanged) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	start := time.Now()
	err := a.next.PublishStatusChanged(ctx, evt)
	if a.recorder != nil {
		a.recorder.RecordEventPublish(ctx, a.backend, time.Since(start).Seconds(), err == nil)
	}
	if err != nil {
		a.logger.Error("failed to publish order event",
			zap.String("orderID", evt.OrderID),
			zap.String("newStatus", string(evt.NewStatus)),
			zap.Error(err),
		)
	}
}

// Close закрывает обёрнутый публикатор.
func (a *Async) Close() error {
	return a.next.Close()
}
