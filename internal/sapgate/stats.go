package sapgate

import (
	"math"
	"sync/atomic"
)

// statsCollector counts how gateway answers were produced and tracks the
// size of the payloads handed out.
type statsCollector struct {
	fresh  atomic.Uint64
	stale  atomic.Uint64
	failed atomic.Uint64

	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveResult(r Result) {
	if r.ServedFromCache {
		s.stale.Add(1)
	} else {
		s.fresh.Add(1)
	}
	s.observeSize(len(r.Payload.Body))
}

func (s *statsCollector) ObserveFailure() { s.failed.Add(1) }

func (s *statsCollector) observeSize(respBytes int) {
	n := uint64(max(respBytes, 0))
	s.totalRespBytes.Add(n)
	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Fresh        uint64
	Stale        uint64
	Failed       uint64
	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Fresh:  s.fresh.Load(),
		Stale:  s.stale.Load(),
		Failed: s.failed.Load(),
	}
	served := ss.Fresh + ss.Stale
	if served == 0 {
		return ss
	}
	ss.MinRespBytes = s.minRespBytes.Load()
	if ss.MinRespBytes == math.MaxUint64 {
		ss.MinRespBytes = 0
	}
	ss.MaxRespBytes = s.maxRespBytes.Load()
	ss.AvgRespBytes = s.totalRespBytes.Load() / served
	return ss
}
