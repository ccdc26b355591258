// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package metrics mantém os contadores por worker e o throughput global da
// ingestão. Os contadores são atômicos e alimentados pelo caminho quente; o
// EMA e o ETA são recalculados apenas em Snapshot (chamado pelo loop de
// progresso e pelo health server).
package metrics

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TargetEvents é o tamanho conhecido do stream completo.
const TargetEvents = 3_000_000

// emaAlpha suaviza o throughput entre snapshots.
const emaAlpha = 0.2

// WorkerSnapshot é a visão imutável de um worker em um snapshot.
type WorkerSnapshot struct {
	WorkerID int    `json:"workerId"`
	Fetched  int64  `json:"fetchedCount"`
	Inserted int64  `json:"insertedCount"`
	Status   string `json:"status"`
}

// Snapshot é a visão global retornada por Registry.Snapshot.
type Snapshot struct {
	UptimeSeconds float64          `json:"uptimeSeconds"`
	TotalFetched  int64            `json:"totalFetched"`
	TotalInserted int64            `json:"totalInserted"`
	ThroughputEps float64          `json:"throughputEps"`
	EtaSeconds    float64          `json:"etaSeconds"`
	ActiveWorkers int              `json:"activeWorkers"`
	PendingWrites int64            `json:"pendingWrites"`
	Workers       []WorkerSnapshot `json:"workers"`
}

type workerCounters struct {
	fetched  atomic.Int64
	inserted atomic.Int64
	status   atomic.Value // string
}

// Registry agrega os contadores de todos os workers. Os métodos Add* são
// seguros para chamada concorrente; Snapshot serializa o cálculo do EMA.
type Registry struct {
	startTime time.Time
	now       func() time.Time

	mu      sync.Mutex
	workers map[int]*workerCounters

	lastSnapAt    time.Time
	lastInserted  int64
	throughputEma float64
	emaPrimed     bool

	pendingFn func() int64

	promReg      *prometheus.Registry
	promFetched  *prometheus.CounterVec
	promInserted *prometheus.CounterVec
	promEps      prometheus.Gauge
	promEta      prometheus.Gauge
	promActive   prometheus.Gauge
	promPending  prometheus.Gauge
}

// NewRegistry cria o registry e registra os espelhos Prometheus.
func NewRegistry() *Registry {
	r := &Registry{
		startTime: time.Now(),
		now:       time.Now,
		workers:   make(map[int]*workerCounters),
		promReg:   prometheus.NewRegistry(),
		promFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ningest",
			Name:      "events_fetched_total",
			Help:      "Events fetched from the API, per worker.",
		}, []string{"worker"}),
		promInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ningest",
			Name:      "events_inserted_total",
			Help:      "Events inserted into the store, per worker.",
		}, []string{"worker"}),
		promEps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ningest",
			Name:      "throughput_eps",
			Help:      "Smoothed global insert throughput (events/s).",
		}),
		promEta: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ningest",
			Name:      "eta_seconds",
			Help:      "Estimated seconds until the target count is reached.",
		}),
		promActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ningest",
			Name:      "active_workers",
			Help:      "Workers currently in RUNNING state.",
		}),
		promPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ningest",
			Name:      "pending_writes",
			Help:      "Batches accepted by the write queue and not yet committed.",
		}),
	}
	r.promReg.MustRegister(r.promFetched, r.promInserted, r.promEps, r.promEta, r.promActive, r.promPending)
	return r
}

// Gatherer expõe o registry Prometheus para o handler HTTP.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.promReg
}

// SetPendingFunc liga o snapshot ao backlog da fila de escrita.
func (r *Registry) SetPendingFunc(fn func() int64) {
	r.mu.Lock()
	r.pendingFn = fn
	r.mu.Unlock()
}

// RegisterWorker cria os contadores do worker com o status inicial dado.
func (r *Registry) RegisterWorker(id int, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; ok {
		return
	}
	wc := &workerCounters{}
	wc.status.Store(status)
	r.workers[id] = wc
}

// SeedWorker restaura contadores vindos de um checkpoint persistido, para
// que retomadas não zerem os totais reportados.
func (r *Registry) SeedWorker(id int, fetched, inserted int64, status string) {
	r.RegisterWorker(id, status)
	r.mu.Lock()
	wc := r.workers[id]
	r.mu.Unlock()
	wc.fetched.Store(fetched)
	wc.inserted.Store(inserted)
	wc.status.Store(status)
}

func (r *Registry) counters(id int) *workerCounters {
	r.mu.Lock()
	wc, ok := r.workers[id]
	r.mu.Unlock()
	if !ok {
		r.RegisterWorker(id, "running")
		r.mu.Lock()
		wc = r.workers[id]
		r.mu.Unlock()
	}
	return wc
}

// AddFetched registra eventos trazidos da API pelo worker.
func (r *Registry) AddFetched(id int, n int64) {
	if n <= 0 {
		return
	}
	r.counters(id).fetched.Add(n)
	r.promFetched.WithLabelValues(strconv.Itoa(id)).Add(float64(n))
}

// AddInserted registra eventos efetivamente inseridos pelo worker.
func (r *Registry) AddInserted(id int, n int64) {
	if n <= 0 {
		return
	}
	r.counters(id).inserted.Add(n)
	r.promInserted.WithLabelValues(strconv.Itoa(id)).Add(float64(n))
}

// SetStatus atualiza o estado reportado do worker.
func (r *Registry) SetStatus(id int, status string) {
	r.counters(id).status.Store(status)
}

// Snapshot consolida os contadores e recalcula o EMA de throughput contra o
// delta de relógio desde o snapshot anterior. ETA usa o alvo fixo do stream.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	snap := Snapshot{
		UptimeSeconds: now.Sub(r.startTime).Seconds(),
		Workers:       make([]WorkerSnapshot, 0, len(r.workers)),
	}

	for id, wc := range r.workers {
		ws := WorkerSnapshot{
			WorkerID: id,
			Fetched:  wc.fetched.Load(),
			Inserted: wc.inserted.Load(),
			Status:   wc.status.Load().(string),
		}
		snap.TotalFetched += ws.Fetched
		snap.TotalInserted += ws.Inserted
		if ws.Status == "running" {
			snap.ActiveWorkers++
		}
		snap.Workers = append(snap.Workers, ws)
	}
	sort.Slice(snap.Workers, func(i, j int) bool {
		return snap.Workers[i].WorkerID < snap.Workers[j].WorkerID
	})

	if !r.lastSnapAt.IsZero() {
		if dt := now.Sub(r.lastSnapAt).Seconds(); dt > 0 {
			instant := float64(snap.TotalInserted-r.lastInserted) / dt
			if r.emaPrimed {
				r.throughputEma = emaAlpha*instant + (1-emaAlpha)*r.throughputEma
			} else {
				r.throughputEma = instant
				r.emaPrimed = true
			}
		}
	}
	r.lastSnapAt = now
	r.lastInserted = snap.TotalInserted
	snap.ThroughputEps = r.throughputEma

	if snap.ThroughputEps > 0 {
		remaining := float64(TargetEvents - snap.TotalInserted)
		if remaining < 0 {
			remaining = 0
		}
		snap.EtaSeconds = remaining / snap.ThroughputEps
	}

	if r.pendingFn != nil {
		snap.PendingWrites = r.pendingFn()
	}

	r.promEps.Set(snap.ThroughputEps)
	r.promEta.Set(snap.EtaSeconds)
	r.promActive.Set(float64(snap.ActiveWorkers))
	r.promPending.Set(float64(snap.PendingWrites))

	return snap
}
