package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SystemMetrics периодический сбор показателей процесса и глубины очередей
type SystemMetrics interface {
	// WatchQueue регистрирует источник глубины очереди, опрашиваемый при каждом замере
	WatchQueue(name string, depth func() int)
	Record()
	StartRecording(interval time.Duration)
	Stop()
}

type systemMetrics struct {
	log        *logger.Logger
	goroutines prometheus.Gauge
	memory     *prometheus.GaugeVec
	gcCycles   prometheus.Counter
	uptime     prometheus.Gauge
	queueDepth *prometheus.GaugeVec

	mu        sync.Mutex
	queues    map[string]func() int
	lastNumGC uint32
	started   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSystemMetrics создает системные метрики
func NewSystemMetrics(registry *prometheus.Registry, log *logger.Logger) SystemMetrics {
	f := promauto.With(registry)
	return &systemMetrics{
		log: log,
		goroutines: f.NewGauge(prometheus.GaugeOpts{
			Name: "billing_runtime_goroutines",
			Help: "Current number of goroutines",
		}),
		memory: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "billing_runtime_memory_bytes",
			Help: "Go runtime memory by kind (heap_alloc, total_alloc, sys)",
		}, []string{"kind"}),
		gcCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "billing_runtime_gc_cycles_total",
			Help: "Completed garbage collection cycles",
		}),
		uptime: f.NewGauge(prometheus.GaugeOpts{
			Name: "billing_process_uptime_seconds",
			Help: "Seconds since the metrics recorder was created",
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "billing_queue_depth",
			Help: "Events queued or in flight per in-process queue",
		}, []string{"queue"}),
		queues:  make(map[string]func() int),
		started: time.Now(),
		stopCh:  make(chan struct{}),
	}
}

func (m *systemMetrics) WatchQueue(name string, depth func() int) {
	m.mu.Lock()
	m.queues[name] = depth
	m.mu.Unlock()
}

// Record снимает все показатели один раз
func (m *systemMetrics) Record() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memory.WithLabelValues("heap_alloc").Set(float64(ms.HeapAlloc))
	m.memory.WithLabelValues("total_alloc").Set(float64(ms.TotalAlloc))
	m.memory.WithLabelValues("sys").Set(float64(ms.Sys))
	// счетчик растет только на число сборок с прошлого замера
	if ms.NumGC > m.lastNumGC {
		m.gcCycles.Add(float64(ms.NumGC - m.lastNumGC))
		m.lastNumGC = ms.NumGC
	}
	m.uptime.Set(time.Since(m.started).Seconds())
	for name, depth := range m.queues {
		m.queueDepth.WithLabelValues(name).Set(float64(depth()))
	}
}

// StartRecording запускает замеры с заданным интервалом до Stop
func (m *systemMetrics) StartRecording(interval time.Duration) {
	m.Record()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Record()
			case <-m.stopCh:
				return
			}
		}
	}()
	m.log.Infow("System metrics recording started", "interval", interval)
}

func (m *systemMetrics) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.log.Info("System metrics recording stopped")
	})
}
