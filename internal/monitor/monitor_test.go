package monitor_test

import (
	"testing"
	"time"

	"github.com/promptlane/promptlane-go/internal/clock"
	"github.com/promptlane/promptlane-go/internal/config"
	"github.com/promptlane/promptlane-go/internal/monitor"
)

func testConfig() config.PerformanceConfig {
	return config.PerformanceConfig{
		Enabled:                  true,
		SampleRate:               1,
		MetricsBufferSize:        10,
		TimeSeriesMaxPoints:      10,
		EnableRealTimeMonitoring: true,
		EnableAlerting:           true,
		EnableRecommendations:    true,
		AlertCooldown:            time.Minute,
		TickInterval:             time.Hour,
		MaxRecommendations:       10,
	}
}

func TestRequestTracking_PairsPendingAndCompleted(t *testing.T) {
	clk := clock.NewMock(time.Time{})
	m := monitor.New(testConfig(), monitor.WithClock(clk))

	id := m.TrackRequestStart("/v1/prompts", "GET")
	snap := m.Snapshot()
	if len(snap.PendingRequests) != 1 {
		t.Fatalf("expected 1 pending request, got %d", len(snap.PendingRequests))
	}

	clk.Advance(200 * time.Millisecond)
	m.TrackRequestEnd(id, 200, monitor.WithRetryCount(1), monitor.WithBytes(128, 2048))

	snap = m.Snapshot()
	if len(snap.PendingRequests) != 0 {
		t.Errorf("expected 0 pending requests, got %d", len(snap.PendingRequests))
	}
	if len(snap.CompletedRequests) != 1 {
		t.Fatalf("expected 1 completed request, got %d", len(snap.CompletedRequests))
	}
	req := snap.CompletedRequests[0]
	if req.Duration != 200*time.Millisecond {
		t.Errorf("expected 200ms duration, got %v", req.Duration)
	}
	if req.RetryCount != 1 || req.BytesReceived != 2048 {
		t.Errorf("unexpected completion data: %+v", req)
	}
}

func TestTrackRequestEnd_UnknownIDIsNoop(t *testing.T) {
	m := monitor.New(testConfig())

	m.TrackRequestEnd("no-such-id", 200)

	if snap := m.Snapshot(); len(snap.CompletedRequests) != 0 {
		t.Errorf("expected no completed requests, got %d", len(snap.CompletedRequests))
	}
}

func TestCompletedBuffer_DropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsBufferSize = 2
	m := monitor.New(cfg)

	for i := 0; i < 3; i++ {
		id := m.TrackRequestStart("/v1/prompts", "GET")
		m.TrackRequestEnd(id, 200)
	}

	if snap := m.Snapshot(); len(snap.CompletedRequests) != 2 {
		t.Errorf("expected completed buffer capped at 2, got %d", len(snap.CompletedRequests))
	}
}

func TestCacheOperation_HitRateArithmetic(t *testing.T) {
	m := monitor.New(testConfig())

	m.TrackCacheOperation(true, time.Millisecond)
	m.TrackCacheOperation(true, 3*time.Millisecond)
	m.TrackCacheOperation(false, 2*time.Millisecond)

	cs := m.CacheMetrics()
	if cs.Hits != 2 || cs.Misses != 1 {
		t.Fatalf("unexpected counters: %+v", cs)
	}
	if want := 2.0 / 3.0; cs.HitRate != want {
		t.Errorf("expected hit rate %v, got %v", want, cs.HitRate)
	}
	if cs.AvgAccessTime != 2*time.Millisecond {
		t.Errorf("expected 2ms average access time, got %v", cs.AvgAccessTime)
	}

	m.ResetStats()
	cs = m.CacheMetrics()
	if cs.Hits != 0 || cs.Misses != 0 || cs.HitRate != 0 {
		t.Errorf("expected zeroed counters after reset, got %+v", cs)
	}
}

func TestStatistics(t *testing.T) {
	m := monitor.New(testConfig())

	for _, v := range []float64{10, 20, 30} {
		m.RecordSample(monitor.MetricPoolUtilization, v)
	}

	st := m.Statistics(monitor.MetricPoolUtilization)
	if st.Count != 3 || st.Min != 10 || st.Max != 30 || st.Mean != 20 {
		t.Errorf("unexpected statistics: %+v", st)
	}

	if empty := m.Statistics(monitor.MetricNetworkLatency); empty.Count != 0 {
		t.Errorf("expected empty statistics, got %+v", empty)
	}
}

func TestAlert_FiresOncePerCooldown(t *testing.T) {
	clk := clock.NewMock(time.Time{})
	m := monitor.New(testConfig(), monitor.WithClock(clk))

	fired := 0
	m.AddAlertCallback(func(monitor.Alert) { fired++ })
	err := m.AddCustomAlert(monitor.Alert{
		ID:         "slow-requests",
		Metric:     monitor.MetricRequestLatency,
		Comparison: monitor.Above,
		Threshold:  100,
		Severity:   monitor.SeverityWarning,
		Enabled:    true,
		Cooldown:   time.Minute,
	})
	if err != nil {
		t.Fatalf("add alert: %v", err)
	}

	slowRequest := func() {
		id := m.TrackRequestStart("/v1/prompts", "GET")
		clk.Advance(200 * time.Millisecond)
		m.TrackRequestEnd(id, 200)
	}

	slowRequest()
	if fired != 1 {
		t.Fatalf("expected alert to fire once, fired %d times", fired)
	}

	// Within the cooldown the alert stays quiet even though the metric
	// still exceeds the threshold.
	slowRequest()
	if fired != 1 {
		t.Fatalf("expected no re-fire inside cooldown, fired %d times", fired)
	}

	clk.Advance(2 * time.Minute)
	slowRequest()
	if fired != 2 {
		t.Errorf("expected re-fire after cooldown, fired %d times", fired)
	}
}

func TestAlert_RejectsUnknownComparison(t *testing.T) {
	m := monitor.New(testConfig())

	err := m.AddCustomAlert(monitor.Alert{ID: "bad", Comparison: "sideways"})
	if err == nil {
		t.Fatal("expected an error for unknown comparison")
	}
}

func TestAlertCallback_PanicDoesNotBlockDelivery(t *testing.T) {
	clk := clock.NewMock(time.Time{})
	m := monitor.New(testConfig(), monitor.WithClock(clk))

	second := 0
	m.AddAlertCallback(func(monitor.Alert) { panic("bad handler") })
	m.AddAlertCallback(func(monitor.Alert) { second++ })

	if err := m.AddCustomAlert(monitor.Alert{
		ID:         "slow-requests",
		Metric:     monitor.MetricRequestLatency,
		Comparison: monitor.Above,
		Threshold:  100,
		Enabled:    true,
		Cooldown:   time.Minute,
	}); err != nil {
		t.Fatalf("add alert: %v", err)
	}

	id := m.TrackRequestStart("/v1/prompts", "GET")
	clk.Advance(time.Second)
	m.TrackRequestEnd(id, 200)

	if second != 1 {
		t.Errorf("expected second callback to run despite first panicking, ran %d times", second)
	}
}

func TestRecommendations_GeneratedOnTick(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = 10 * time.Millisecond
	m := monitor.New(cfg)

	got := make(chan monitor.Recommendation, 1)
	m.AddRecommendationCallback(func(r monitor.Recommendation) {
		select {
		case got <- r:
		default:
		}
	})

	// 2 hits, 8 misses: enough samples with a hit rate below 0.3.
	for i := 0; i < 2; i++ {
		m.TrackCacheOperation(true, time.Millisecond)
	}
	for i := 0; i < 8; i++ {
		m.TrackCacheOperation(false, time.Millisecond)
	}

	m.Start()
	defer m.Stop()

	select {
	case r := <-got:
		if r.Strategy != "cache_tuning" {
			t.Errorf("expected cache_tuning recommendation, got %q", r.Strategy)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a recommendation")
	}
}

func TestSampleRetention_PrunedOnTick(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.MaxMetricsRetention = time.Minute
	cfg.EnableAlerting = false
	cfg.EnableRecommendations = false

	clk := clock.NewMock(time.Time{})
	m := monitor.New(cfg, monitor.WithClock(clk))

	m.RecordSample(monitor.MetricPoolUtilization, 0.5)
	clk.Advance(30 * time.Second)
	m.RecordSample(monitor.MetricPoolUtilization, 0.6)
	if st := m.Statistics(monitor.MetricPoolUtilization); st.Count != 2 {
		t.Fatalf("expected 2 samples before pruning, got %d", st.Count)
	}

	// Move past the retention window for the first sample only.
	clk.Advance(45 * time.Second)

	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for m.Statistics(monitor.MetricPoolUtilization).Count != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 sample after pruning, got %d",
				m.Statistics(monitor.MetricPoolUtilization).Count)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	m := monitor.New(testConfig())

	m.Start()
	m.Start()
	m.Stop()
	m.Stop()
}
