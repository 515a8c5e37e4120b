package service

import (
	"context"
	"sync"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// ProcessFunc обработка одного события журнала
type ProcessFunc func(ctx context.Context, eventID string) error

// Dispatcher пул обработчиков событий поверх буферизованного канала.
// Событие, которое уже в очереди или в работе, повторно не ставится.
type Dispatcher struct {
	queue   chan string
	workers int
	process ProcessFunc

	mu       sync.Mutex
	inflight map[string]struct{}

	log *logger.Logger
}

// NewDispatcher создает пул из workers обработчиков с очередью size
func NewDispatcher(workers, size int, process ProcessFunc, log *logger.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = workers
	}
	return &Dispatcher{
		queue:    make(chan string, size),
		workers:  workers,
		process:  process,
		inflight: make(map[string]struct{}),
		log:      log,
	}
}

// Enqueue ставит событие в очередь без блокировки.
// false, если очередь заполнена.
func (d *Dispatcher) Enqueue(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.inflight[eventID]; ok {
		return true
	}
	select {
	case d.queue <- eventID:
		d.inflight[eventID] = struct{}{}
		return true
	default:
		return false
	}
}

// Pending количество событий в очереди и в работе
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Run запускает обработчики и блокируется до отмены ctx.
// Начатая обработка завершается с отмененным контекстом; запись подберет сканер по аренде.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Infow("Dispatcher started", "workers", d.workers, "queueSize", cap(d.queue))

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < d.workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-d.queue:
					if err := d.process(gctx, id); err != nil {
						d.log.Errorw("Event processing failed", "error", err, "eventID", id)
					}
					d.done(id)
				}
			}
		})
	}

	err := g.Wait()
	d.log.Info("Dispatcher stopped")
	return err
}

func (d *Dispatcher) done(eventID string) {
	d.mu.Lock()
	delete(d.inflight, eventID)
	d.mu.Unlock()
}
