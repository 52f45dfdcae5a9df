package metrics

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSampler periodically records CPU, memory, thread and fd gauges for
// whichever backend pid is current.
type ResourceSampler struct {
	interval time.Duration
	pid      func() int
	log      *slog.Logger

	cpuPercent *prometheus.GaugeVec
	rssBytes   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec

	mu   sync.Mutex
	proc *process.Process // cached so CPUPercent has a previous sample

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewResourceSampler samples pid() every interval (default 5s). pid returns 0
// when no backend is running.
func NewResourceSampler(interval time.Duration, pid func() int, log *slog.Logger) *ResourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &ResourceSampler{
		interval:   interval,
		pid:        pid,
		log:        log.With("component", "resources"),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the backend process."),
		rssBytes:   gauge("memory_rss_bytes", "Resident memory of the backend process."),
		numThreads: gauge("num_threads", "Thread count of the backend process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the backend process (Unix only)."),
		stopCh:     make(chan struct{}),
	}
}

// Register registers the sampler's gauges. When a previous sampler already
// registered them with r, this sampler writes to those registered gauges.
func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	gauges := []**prometheus.GaugeVec{&s.cpuPercent, &s.rssBytes, &s.numThreads}
	if runtime.GOOS != "windows" {
		gauges = append(gauges, &s.numFDs)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range gauges {
		err := r.Register(*g)
		if err == nil {
			continue
		}
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
		existing, ok := are.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return err
		}
		*g = existing
	}
	return nil
}

// Start runs the sampling loop until ctx is done or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				s.Sample()
			}
		}
	}()
}

// Stop ends the loop and drops the sampler's series.
func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.mu.Lock()
	s.reset()
	s.mu.Unlock()
}

// Sample takes one reading. It reports whether a backend was sampled.
func (s *ResourceSampler) Sample() bool {
	pid := s.pid()
	s.mu.Lock()
	defer s.mu.Unlock()

	if pid <= 0 {
		s.reset()
		return false
	}
	if s.proc == nil || int(s.proc.Pid) != pid {
		s.reset()
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			s.log.Debug("backend not sampleable", "pid", pid, "error", err)
			return false
		}
		s.proc = p
	}

	label := strconv.Itoa(pid)
	if cpu, err := s.proc.CPUPercent(); err == nil {
		s.cpuPercent.WithLabelValues(label).Set(cpu)
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		s.log.Debug("memory info failed", "pid", pid, "error", err)
		return false
	}
	s.rssBytes.WithLabelValues(label).Set(float64(mem.RSS))
	if n, err := s.proc.NumThreads(); err == nil {
		s.numThreads.WithLabelValues(label).Set(float64(n))
	}
	if runtime.GOOS != "windows" {
		if n, err := s.proc.NumFDs(); err == nil {
			s.numFDs.WithLabelValues(label).Set(float64(n))
		}
	}
	return true
}

// reset drops series of a previous generation. Caller holds mu.
func (s *ResourceSampler) reset() {
	s.proc = nil
	s.cpuPercent.Reset()
	s.rssBytes.Reset()
	s.numThreads.Reset()
	s.numFDs.Reset()
}
