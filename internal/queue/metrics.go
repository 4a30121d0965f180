package queue

import (
	"time"

	"skillflow/internal/domain"
)

const (
	throughputWindow = 10 * time.Second
	durationSamples  = 100
)

// stats holds the running counters behind QueueMetrics.
type stats struct {
	totalCompleted int64
	totalFailed    int64
	completions    []time.Time
	durations      [durationSamples]time.Duration
	durationCount  int
	durationNext   int
}

func (s *stats) recordDuration(d time.Duration) {
	s.durations[s.durationNext] = d
	s.durationNext = (s.durationNext + 1) % durationSamples
	if s.durationCount < durationSamples {
		s.durationCount++
	}
}

func (s *stats) recordCompleted(now time.Time) {
	s.totalCompleted++
	s.completions = append(s.completions, now)
	s.prune(now)
}

func (s *stats) recordFailed() {
	s.totalFailed++
}

func (s *stats) prune(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	i := 0
	for i < len(s.completions) && s.completions[i].Before(cutoff) {
		i++
	}
	s.completions = s.completions[i:]
}

func (s *stats) errorRate() float64 {
	total := s.totalCompleted + s.totalFailed
	if total == 0 {
		return 0
	}
	return float64(s.totalFailed) / float64(total)
}

// throughput returns completions per minute extrapolated from the window.
func (s *stats) throughput(now time.Time) float64 {
	s.prune(now)
	return float64(len(s.completions)) * float64(time.Minute/throughputWindow)
}

func (s *stats) averageDuration() time.Duration {
	if s.durationCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < s.durationCount; i++ {
		sum += s.durations[i]
	}
	return sum / time.Duration(s.durationCount)
}

// metricsLocked recomputes the engine metrics. Callers hold e.mu.
func (e *Engine) metricsLocked(now time.Time) domain.QueueMetrics {
	m := domain.QueueMetrics{
		Queue:           e.name,
		TotalCompleted:  e.stats.totalCompleted,
		TotalFailed:     e.stats.totalFailed,
		ErrorRate:       e.stats.errorRate(),
		Throughput:      e.stats.throughput(now),
		AverageDuration: e.stats.averageDuration(),
		UpdatedAt:       now,
	}
	for _, j := range e.jobs {
		switch j.Status {
		case domain.JobWaiting:
			m.Waiting++
		case domain.JobActive:
			m.Active++
		case domain.JobCompleted:
			m.Completed++
		case domain.JobFailed:
			m.Failed++
		case domain.JobDelayed:
			m.Delayed++
		case domain.JobPaused:
			m.Paused++
		}
	}
	return m
}
