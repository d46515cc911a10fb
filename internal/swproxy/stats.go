package swproxy

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector aggregates served responses for the periodic stats line.
type statsCollector struct {
	fromCache      atomic.Uint64
	fromNetwork    atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(src Source, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	if src == SourceNetwork {
		s.fromNetwork.Add(1)
	} else {
		s.fromCache.Add(1)
	}
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
	FromCache    uint64
	FromNetwork  uint64
	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	cached := s.fromCache.Load()
	network := s.fromNetwork.Load()
	count := cached + network
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		FromCache:    cached,
		FromNetwork:  network,
		MinRespBytes: minv,
		MaxRespBytes: s.maxRespBytes.Load(),
		AvgRespBytes: s.totalRespBytes.Load() / count,
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
