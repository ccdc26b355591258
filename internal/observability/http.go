// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package observability expõe o estado da ingestão por HTTP: health check,
// snapshot JSON das métricas e o espelho Prometheus.
package observability

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nishisan-dev/n-ingest/internal/metrics"
)

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// Snapshotter é a interface read-only que o router precisa do registry.
type Snapshotter interface {
	Snapshot() metrics.Snapshot
	Gatherer() prometheus.Gatherer
}

// NewRouter cria o http.Handler da superfície de observabilidade.
// Qualquer path fora das rotas conhecidas responde 404.
func NewRouter(reg Snapshotter, proc *ProcessSampler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", makeHealthHandler(reg))
	mux.HandleFunc("GET /metrics", makeMetricsHandler(reg, proc))
	mux.Handle("GET /metrics/prometheus", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))

	return mux
}

// makeHealthHandler resume o estado do processo para probes externos.
func makeHealthHandler(reg Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := reg.Snapshot()
		resp := map[string]interface{}{
			"status":        "ok",
			"uptime":        (time.Duration(snap.UptimeSeconds * float64(time.Second))).String(),
			"totalInserted": snap.TotalInserted,
			"throughputEps": snap.ThroughputEps,
			"activeWorkers": snap.ActiveWorkers,
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// makeMetricsHandler devolve o snapshot completo mais os dados do processo.
func makeMetricsHandler(reg Snapshotter, proc *ProcessSampler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := reg.Snapshot()
		resp := map[string]interface{}{
			"version":   Version,
			"go":        runtime.Version(),
			"ingestion": snap,
		}
		if proc != nil {
			resp["process"] = proc.Sample()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
