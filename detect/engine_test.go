package detect

import (
	"context"
	"sync"
	"testing"
	"time"

	"logcorr/core"
	"logcorr/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, rules []*core.Rule, opts EngineOptions) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	opts.Clock = clock.Now
	if opts.Stats == nil {
		opts.Stats = metrics.NewStats(t0)
	}
	opts.Fields.Port = 514
	return NewEngine(rules, opts, zaptest.NewLogger(t).Sugar()), clock
}

func sshEvent(msg string) *core.Event {
	e := core.NewEvent()
	e.Host = "192.0.2.10"
	e.Program = "sshd"
	e.Facility = "auth"
	e.Message = msg
	return e
}

func TestEngine_ThresholdScenario(t *testing.T) {
	rule := &core.Rule{
		SID: 5000001, GID: 1, Rev: 1,
		Msg:        "[SSH] Repeated login failures",
		Classtype:  "attempted-user",
		Priority:   2,
		Content:    []core.ContentTerm{{Text: "login failed"}},
		ParseSrcIP: 1,
		Threshold:  &core.RateLimit{Track: core.TrackBySrc, Count: 3, Window: time.Minute},
	}
	engine, clock := newTestEngine(t, []*core.Rule{rule}, EngineOptions{})
	ctx := context.Background()

	var fired []*core.Alert
	for i := 0; i < 4; i++ {
		clock.Set(t0.Add(time.Duration(i*3) * time.Second))
		alerts := engine.Process(ctx, sshEvent("login failed for root from 10.0.0.1"))
		if i < 3 {
			assert.Empty(t, alerts, "event %d must be suppressed", i+1)
		}
		fired = append(fired, alerts...)
	}

	require.Len(t, fired, 1)
	alert := fired[0]
	assert.Equal(t, uint64(5000001), alert.SID)
	assert.Equal(t, uint64(1), alert.GID)
	assert.Equal(t, "10.0.0.1", alert.SrcIP)
	assert.Equal(t, "192.0.2.10", alert.DstIP)
	assert.Equal(t, 514, alert.SrcPort)
	assert.Equal(t, "attempted-user", alert.Classtype)
	assert.Equal(t, "sshd", alert.Program)
	assert.NotEmpty(t, alert.ID)

	stats := engine.Stats()
	assert.Equal(t, uint64(3), stats.Threshold.Load())
	assert.Equal(t, uint64(4), stats.SignaturesMatched.Load())
	assert.Equal(t, uint64(4), stats.EventsProcessed.Load())
	assert.Equal(t, uint64(1), stats.Alerts.Load())

	// another source has its own counter
	alerts := engine.Process(ctx, sshEvent("login failed for root from 10.0.0.2"))
	assert.Empty(t, alerts)
}

func TestEngine_MarkerScenario(t *testing.T) {
	setter := &core.Rule{
		SID: 1, GID: 1, Msg: "auth failure seen",
		Content:    []core.ContentTerm{{Text: "authentication failure"}},
		ParseSrcIP: 1,
		Markers: []core.MarkerDirective{{
			Op: core.MarkerSet, Expr: mustExpr(t, "auth_fail"), Expire: 30 * time.Second,
		}},
		NoAlert: true,
	}
	checker := &core.Rule{
		SID: 2, GID: 1, Msg: "login after auth failure",
		Content:    []core.ContentTerm{{Text: "accepted password"}},
		ParseSrcIP: 1,
		Markers: []core.MarkerDirective{{
			Op: core.MarkerIsSet, Expr: mustExpr(t, "auth_fail"), Direction: core.DirectionBySrc,
		}},
	}
	engine, clock := newTestEngine(t, []*core.Rule{setter, checker}, EngineOptions{})
	ctx := context.Background()

	alerts := engine.Process(ctx, sshEvent("pam: authentication failure from 10.0.0.7"))
	assert.Empty(t, alerts, "xbit_noalert suppresses the alert")
	assert.Equal(t, uint64(1), engine.Stats().SignaturesMatched.Load())

	clock.Set(t0.Add(10 * time.Second))
	alerts = engine.Process(ctx, sshEvent("accepted password for bob from 10.0.0.7"))
	require.Len(t, alerts, 1)
	assert.Equal(t, uint64(2), alerts[0].SID)

	alerts = engine.Process(ctx, sshEvent("accepted password for bob from 10.0.0.8"))
	assert.Empty(t, alerts, "other source has no marker")

	clock.Set(t0.Add(40 * time.Second))
	alerts = engine.Process(ctx, sshEvent("accepted password for bob from 10.0.0.7"))
	assert.Empty(t, alerts, "marker expired")
}

func TestEngine_AfterPolicy(t *testing.T) {
	rule := &core.Rule{
		SID: 10, GID: 1, Msg: "port scan",
		Content:    []core.ContentTerm{{Text: "DROP"}},
		ParseSrcIP: 1,
		After:      &core.RateLimit{Track: core.TrackBySrc, Count: 2, Window: time.Minute},
	}
	engine, clock := newTestEngine(t, []*core.Rule{rule}, EngineOptions{})
	ctx := context.Background()

	var fired []int
	for i := 0; i < 4; i++ {
		clock.Set(t0.Add(time.Duration(i) * time.Second))
		if len(engine.Process(ctx, sshEvent("DROP IN 198.51.100.3"))) > 0 {
			fired = append(fired, i+1)
		}
	}
	assert.Equal(t, []int{1, 2}, fired)
	assert.Equal(t, uint64(2), engine.Stats().After.Load())

	clock.Set(t0.Add(2 * time.Minute))
	assert.Len(t, engine.Process(ctx, sshEvent("DROP IN 198.51.100.3")), 1, "window elapsed, counter restarts")
}

func TestEngine_AfterAndThreshold(t *testing.T) {
	rule := &core.Rule{
		SID: 11, GID: 1, Msg: "both policies",
		Content:    []core.ContentTerm{{Text: "DROP"}},
		ParseSrcIP: 1,
		After:      &core.RateLimit{Track: core.TrackBySrc, Count: 3, Window: time.Minute},
		Threshold:  &core.RateLimit{Track: core.TrackBySrc, Count: 1, Window: time.Minute},
	}
	engine, _ := newTestEngine(t, []*core.Rule{rule}, EngineOptions{})
	ctx := context.Background()

	var fired []int
	for i := 0; i < 4; i++ {
		if len(engine.Process(ctx, sshEvent("DROP IN 198.51.100.3"))) > 0 {
			fired = append(fired, i+1)
		}
	}
	assert.Equal(t, []int{2, 3}, fired)
	assert.Equal(t, uint64(1), engine.Stats().Threshold.Load())
	assert.Equal(t, uint64(1), engine.Stats().After.Load())
}

func TestEngine_LookupErrors(t *testing.T) {
	strict := &core.Rule{
		SID: 20, GID: 1, Msg: "blacklisted",
		Content:   []core.ContentTerm{{Text: "connect"}},
		Blacklist: &core.BlacklistSpec{Target: core.IPTargetSrc},
	}
	tolerant := &core.Rule{
		SID: 21, GID: 1, Msg: "blacklisted, tolerant",
		Content:              []core.ContentTerm{{Text: "connect"}},
		Blacklist:            &core.BlacklistSpec{Target: core.IPTargetSrc},
		TolerateLookupErrors: true,
	}
	engine, _ := newTestEngine(t, []*core.Rule{strict, tolerant}, EngineOptions{})

	alerts := engine.Process(context.Background(), sshEvent("connect from 10.0.0.1"))
	require.Len(t, alerts, 1)
	assert.Equal(t, uint64(21), alerts[0].SID)
	assert.Equal(t, uint64(2), engine.Stats().LookupErrors.Load())
}

func TestEngine_PerRuleDerivation(t *testing.T) {
	first := &core.Rule{
		SID: 30, GID: 1, Msg: "first address",
		Content: []core.ContentTerm{{Text: "relay"}}, ParseSrcIP: 1,
	}
	second := &core.Rule{
		SID: 31, GID: 1, Msg: "second address",
		Content: []core.ContentTerm{{Text: "relay"}}, ParseSrcIP: 2, DstPort: 25,
	}
	engine, _ := newTestEngine(t, []*core.Rule{first, second}, EngineOptions{
		Blacklist: staticList{},
	})

	alerts := engine.Process(context.Background(), sshEvent("relay 10.1.1.1 -> 10.2.2.2"))
	require.Len(t, alerts, 2)
	assert.Equal(t, "10.1.1.1", alerts[0].SrcIP)
	assert.Equal(t, 0, alerts[0].DstPort)
	assert.Equal(t, "10.2.2.2", alerts[1].SrcIP)
	assert.Equal(t, 25, alerts[1].DstPort)
}

func TestEngine_GateRejectionStopsRateControl(t *testing.T) {
	rule := &core.Rule{
		SID: 40, GID: 1, Msg: "external only",
		Content:    []core.ContentTerm{{Text: "login failed"}},
		ParseSrcIP: 1,
		Flow:       &core.FlowSpec{Src: []core.AddrMatch{addr("!10.0.0.0/8")}},
		Threshold:  &core.RateLimit{Track: core.TrackBySrc, Count: 1, Window: time.Minute},
	}
	engine, _ := newTestEngine(t, []*core.Rule{rule}, EngineOptions{})

	for i := 0; i < 3; i++ {
		assert.Empty(t, engine.Process(context.Background(), sshEvent("login failed from 10.0.0.1")))
	}
	stats := engine.Stats()
	assert.Equal(t, uint64(0), stats.SignaturesMatched.Load())
	assert.Equal(t, uint64(0), stats.Threshold.Load())
	assert.Equal(t, uint64(3), stats.FlowDropped.Load())
}

func TestEngine_CancelledContextCompletesEvent(t *testing.T) {
	first := &core.Rule{SID: 50, GID: 1, Msg: "first", Content: []core.ContentTerm{{Text: "x"}}}
	second := &core.Rule{SID: 51, GID: 1, Msg: "second", Content: []core.ContentTerm{{Text: "x"}}}
	engine, _ := newTestEngine(t, []*core.Rule{first, second}, EngineOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	alerts := engine.Process(ctx, sshEvent("x"))
	require.Len(t, alerts, 2)
	assert.Equal(t, uint64(51), alerts[1].SID)
}

func TestEngine_ThresholdPerGenerator(t *testing.T) {
	newRule := func(gid uint64) *core.Rule {
		return &core.Rule{
			SID: 100, GID: gid, Msg: "login failures",
			Content:    []core.ContentTerm{{Text: "login failed"}},
			ParseSrcIP: 1,
			Threshold:  &core.RateLimit{Track: core.TrackBySrc, Count: 2, Window: time.Minute},
		}
	}
	engine, clock := newTestEngine(t, []*core.Rule{newRule(1), newRule(2)}, EngineOptions{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		clock.Set(t0.Add(time.Duration(i) * time.Second))
		alerts := engine.Process(ctx, sshEvent("login failed for bob from 10.0.0.1"))
		if i < 3 {
			assert.Empty(t, alerts, "event %d must be suppressed", i)
			continue
		}
		require.Len(t, alerts, 2)
		assert.Equal(t, uint64(1), alerts[0].GID)
		assert.Equal(t, uint64(2), alerts[1].GID)
	}
	assert.Equal(t, uint64(4), engine.Stats().Threshold.Load())
}

func TestEngine_ConcurrentSharedStores(t *testing.T) {
	const (
		workers   = 8
		perWorker = 50
	)
	stats := metrics.NewStats(t0)
	logger := zaptest.NewLogger(t).Sugar()
	limited := &core.Rule{
		SID: 300, GID: 1, Msg: "rate limited",
		Content:    []core.ContentTerm{{Text: "login failed"}},
		ParseSrcIP: 1,
		Threshold:  &core.RateLimit{Track: core.TrackBySrc, Count: 1, Window: time.Hour},
	}
	setter := &core.Rule{
		SID: 301, GID: 1, Msg: "session start",
		Content:    []core.ContentTerm{{Text: "login failed"}},
		ParseSrcIP: 1,
		Markers: []core.MarkerDirective{{
			Op: core.MarkerSet, Expr: mustExpr(t, "seen"), Expire: time.Hour,
		}},
		NoAlert: true,
	}
	checker := &core.Rule{
		SID: 302, GID: 1, Msg: "session active",
		Content:    []core.ContentTerm{{Text: "session check"}},
		ParseSrcIP: 1,
		Markers: []core.MarkerDirective{{
			Op: core.MarkerIsSet, Expr: mustExpr(t, "seen"), Direction: core.DirectionBySrc,
		}},
	}
	markers := NewMemoryMarkerStore(100, stats, logger)
	rates := NewMemoryRateStore(100, stats, logger)
	engine, _ := newTestEngine(t, []*core.Rule{limited, setter, checker}, EngineOptions{
		Markers: markers, Rates: rates, Stats: stats,
	})
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired = map[uint64]int{}
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				for _, a := range engine.Process(ctx, sshEvent("login failed for bob from 10.0.0.1")) {
					mu.Lock()
					fired[a.SID]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	total := workers * perWorker
	assert.Equal(t, total-1, fired[300])
	assert.Zero(t, fired[301])
	assert.Equal(t, uint64(1), stats.Threshold.Load())
	assert.Equal(t, uint64(total-1), stats.Alerts.Load())
	assert.Equal(t, 1, rates.Len(core.TrackBySrc))
	assert.Equal(t, 1, markers.Len(), "one slot however many workers set it")

	alerts := engine.Process(ctx, sshEvent("session check from 10.0.0.1"))
	require.Len(t, alerts, 1)
	assert.Equal(t, uint64(302), alerts[0].SID)
}
