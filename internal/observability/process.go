package observability

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// sampleTTL evita bater no /proc a cada scrape.
const sampleTTL = 2 * time.Second

// ProcessStats é a visão do próprio processo exposta em /metrics.
type ProcessStats struct {
	PID           int32   `json:"pid"`
	CPUPercent    float64 `json:"cpuPercent"`
	RSSBytes      uint64  `json:"rssBytes"`
	NumThreads    int32   `json:"numThreads"`
	OpenFiles     int     `json:"openFiles"`
	SampledAtUnix int64   `json:"sampledAtUnix"`
}

// ProcessSampler coleta estatísticas do próprio processo com um pequeno
// cache para não transformar scrapes frequentes em custo de sistema.
type ProcessSampler struct {
	mu     sync.Mutex
	proc   *process.Process
	last   ProcessStats
	lastAt time.Time
}

// NewProcessSampler cria o sampler; retorna nil se o processo não puder
// ser inspecionado (ambiente restrito), e nesse caso /metrics apenas omite
// o bloco "process".
func NewProcessSampler() *ProcessSampler {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	return &ProcessSampler{proc: p}
}

// Sample retorna as estatísticas correntes, reaproveitando a última coleta
// dentro do TTL. Campos indisponíveis ficam zerados.
func (s *ProcessSampler) Sample() ProcessStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastAt) < sampleTTL {
		return s.last
	}

	stats := ProcessStats{PID: s.proc.Pid, SampledAtUnix: now.Unix()}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if threads, err := s.proc.NumThreads(); err == nil {
		stats.NumThreads = threads
	}
	if files, err := s.proc.OpenFiles(); err == nil {
		stats.OpenFiles = len(files)
	}

	s.last = stats
	s.lastAt = now
	return stats
}
