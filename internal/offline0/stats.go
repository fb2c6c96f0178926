package offline0

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// Decisions reported in the X-Offline0 response header.
const (
	decisionHit         = "hit"
	decisionMiss        = "miss"
	decisionNetwork     = "network"
	decisionBypass      = "bypass"
	decisionOffline     = "offline"
	decisionUnavailable = "unavailable"
	decisionBadGateway  = "bad-gateway"
)

type statsCollector struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	network     atomic.Uint64
	bypass      atomic.Uint64
	fallbacks   atomic.Uint64
	badGateway  atomic.Uint64
	writeErrors atomic.Uint64

	submitted     atomic.Uint64
	submitFailed  atomic.Uint64
	notifyFailed  atomic.Uint64
	drains        atomic.Uint64
	totalRespByte atomic.Uint64
	minRespBytes  atomic.Uint64
	maxRespBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveResponse(decision string, respBytes int) {
	switch decision {
	case decisionHit:
		s.hits.Add(1)
	case decisionMiss:
		s.misses.Add(1)
	case decisionNetwork:
		s.network.Add(1)
	case decisionBypass:
		s.bypass.Add(1)
	case decisionOffline, decisionUnavailable:
		s.fallbacks.Add(1)
	case decisionBadGateway:
		s.badGateway.Add(1)
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalRespByte.Add(n)
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

func (s *statsCollector) ObserveDrain(sum Summary) {
	s.drains.Add(1)
	s.submitted.Add(uint64(sum.Submitted))
	s.submitFailed.Add(uint64(sum.Failed))
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	Network        uint64 `json:"network"`
	Bypass         uint64 `json:"bypass"`
	Fallbacks      uint64 `json:"fallbacks"`
	BadGateway     uint64 `json:"badGateway"`
	WriteErrors    uint64 `json:"cacheWriteErrors"`
	Submitted      uint64 `json:"submitted"`
	SubmitFailed   uint64 `json:"submitFailed"`
	NotifyFailed   uint64 `json:"notifyFailed"`
	Drains         uint64 `json:"drains"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
	TotalResponses uint64 `json:"totalResponses"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	ss := StatsSnapshot{
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
		Network:      s.network.Load(),
		Bypass:       s.bypass.Load(),
		Fallbacks:    s.fallbacks.Load(),
		BadGateway:   s.badGateway.Load(),
		WriteErrors:  s.writeErrors.Load(),
		Submitted:    s.submitted.Load(),
		SubmitFailed: s.submitFailed.Load(),
		NotifyFailed: s.notifyFailed.Load(),
		Drains:       s.drains.Load(),
		MaxRespBytes: s.maxRespBytes.Load(),
	}
	ss.TotalResponses = ss.Hits + ss.Misses + ss.Network + ss.Bypass + ss.Fallbacks + ss.BadGateway
	if ss.TotalResponses > 0 {
		ss.MinRespBytes = s.minRespBytes.Load()
		ss.AvgRespBytes = s.totalRespByte.Load() / ss.TotalResponses
	}
	return ss
}

func formatBytes(b uint64) string {
	units := []struct {
		size   uint64
		suffix string
	}{{1 << 30, "gb"}, {1 << 20, "mb"}, {1 << 10, "kb"}}
	for _, u := range units {
		if b >= u.size {
			s := fmt.Sprintf("%.1f", float64(b)/float64(u.size))
			return strings.TrimSuffix(s, ".0") + u.suffix
		}
	}
	return fmt.Sprintf("%db", b)
}
