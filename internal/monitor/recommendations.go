package monitor

import "go.uber.org/zap"

// Recommendation is an advisory optimization hint derived from the current
// metrics. Recommendations never interrupt control flow.
type Recommendation struct {
	Strategy    string  `json:"strategy"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Impact      string  `json:"impact"`
	Effort      string  `json:"effort"`
	Confidence  float64 `json:"confidence"`
}

// RecommendationCallback receives each newly generated recommendation.
type RecommendationCallback func(Recommendation)

// AddRecommendationCallback registers an observer. Delivery is in
// registration order and fault-isolated per callback.
func (m *Monitor) AddRecommendationCallback(cb RecommendationCallback) {
	m.mu.Lock()
	m.recCbs = append(m.recCbs, cb)
	m.mu.Unlock()
}

// Recommendations returns a copy of the current recommendation list.
func (m *Monitor) Recommendations() []Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Recommendation(nil), m.recs...)
}

// generateRecommendations runs heuristic rules over the current metrics and
// delivers any recommendation strategy not seen before.
func (m *Monitor) generateRecommendations() {
	m.mu.Lock()

	var fresh []Recommendation
	cs := m.cacheStatsLocked()
	if cs.Hits+cs.Misses >= 10 && cs.HitRate < 0.3 {
		fresh = append(fresh, Recommendation{
			Strategy:    "cache_tuning",
			Title:       "Low cache hit rate",
			Description: "Fewer than 30% of lookups hit the cache. Consider a larger max size or a longer default TTL.",
			Impact:      "high",
			Effort:      "low",
			Confidence:  0.8,
		})
	}
	if s := m.series[MetricPoolUtilization]; len(s) > 0 && s[len(s)-1].Value > 0.8 {
		fresh = append(fresh, Recommendation{
			Strategy:    "pool_resize",
			Title:       "Connection pool near capacity",
			Description: "Pool utilization is above 80%. Raise max_size or enable adaptive sizing.",
			Impact:      "high",
			Effort:      "low",
			Confidence:  0.75,
		})
	}
	if s := m.series[MetricRetrySuccessRate]; len(s) > 0 && s[len(s)-1].Value < 0.5 {
		fresh = append(fresh, Recommendation{
			Strategy:    "reliability",
			Title:       "Low retry success rate",
			Description: "Fewer than half of retried operations succeed. Inspect upstream health and backoff settings.",
			Impact:      "medium",
			Effort:      "medium",
			Confidence:  0.7,
		})
	}
	if s := m.series[MetricRequestLatency]; len(s) >= 10 {
		var sum float64
		for _, p := range s {
			sum += p.Value
		}
		if sum/float64(len(s)) > 1000 {
			fresh = append(fresh, Recommendation{
				Strategy:    "latency",
				Title:       "High average request latency",
				Description: "Mean request latency exceeds one second. Enable prefetching or review endpoint performance.",
				Impact:      "medium",
				Effort:      "medium",
				Confidence:  0.6,
			})
		}
	}

	var deliver []Recommendation
	for _, r := range fresh {
		if m.deliveredRec[r.Strategy] {
			continue
		}
		m.deliveredRec[r.Strategy] = true
		m.recs = append(m.recs, r)
		deliver = append(deliver, r)
	}
	if max := m.cfg.MaxRecommendations; max > 0 && len(m.recs) > max {
		m.recs = m.recs[len(m.recs)-max:]
	}
	cbs := append([]RecommendationCallback(nil), m.recCbs...)
	m.mu.Unlock()

	for _, r := range deliver {
		for _, cb := range cbs {
			m.deliverRecommendation(cb, r)
		}
	}
}

func (m *Monitor) deliverRecommendation(cb RecommendationCallback, r Recommendation) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("recommendation callback panicked",
				zap.String("strategy", r.Strategy),
				zap.Any("panic", rec),
			)
		}
	}()
	cb(r)
}
