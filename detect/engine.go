package detect

import (
	"context"
	"errors"
	"strconv"
	"time"

	"logcorr/core"
	"logcorr/metrics"
	"logcorr/threat"

	"go.uber.org/zap"
)

// Default table capacities when the caller does not provide a store.
const (
	DefaultMarkerCapacity = 10000
	DefaultRateCapacity   = 10000
)

// EngineOptions wires the engine to its collaborators. Nil stores fall back
// to in-memory tables; nil lookups make the matching gate fail with
// ErrLookupUnavailable for rules that need them.
type EngineOptions struct {
	Fields FieldConfig

	Markers MarkerStore
	Rates   RateStore

	GeoIP      CountryLookup
	Blacklist  AddressList
	Reputation threat.ThreatFeed
	Intel      threat.ThreatFeed

	LookupTimeout time.Duration
	Location      *time.Location

	Stats *metrics.Stats
	Clock func() time.Time
}

// Engine evaluates events against the rule catalog and decides which alerts fire.
type Engine struct {
	rules    []*core.Rule
	matcher  *Matcher
	resolver *FieldResolver
	markers  MarkerStore
	rates    RateStore
	gates    []Gate
	stats    *metrics.Stats
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// NewEngine creates an engine for rules, evaluated in order.
func NewEngine(rules []*core.Rule, opts EngineOptions, logger *zap.SugaredLogger) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Stats == nil {
		opts.Stats = metrics.NewStats(opts.Clock())
	}
	if opts.Markers == nil {
		opts.Markers = NewMemoryMarkerStore(DefaultMarkerCapacity, opts.Stats, logger)
	}
	if opts.Rates == nil {
		opts.Rates = NewMemoryRateStore(DefaultRateCapacity, opts.Stats, logger)
	}

	gates := []Gate{
		&flowGate{stats: opts.Stats},
		&markerGate{markers: opts.Markers},
		&geoIPGate{lookup: opts.GeoIP, stats: opts.Stats},
		&alertTimeGate{loc: opts.Location},
		&blacklistGate{list: opts.Blacklist, stats: opts.Stats},
		newReputationGate(opts.Reputation, opts.LookupTimeout, opts.Stats),
		newIntelGate(opts.Intel, opts.LookupTimeout, opts.Stats),
	}

	return &Engine{
		rules:    rules,
		matcher:  NewMatcher(opts.Stats, logger),
		resolver: NewFieldResolver(opts.Fields),
		markers:  opts.Markers,
		rates:    opts.Rates,
		gates:    gates,
		stats:    opts.Stats,
		now:      opts.Clock,
		logger:   logger,
	}
}

// Rules returns the rule catalog.
func (e *Engine) Rules() []*core.Rule {
	return e.rules
}

// Stats returns the engine counters.
func (e *Engine) Stats() *metrics.Stats {
	return e.stats
}

// Process runs every rule against event and returns the alerts that fired.
// An event is always evaluated against the whole catalog; callers check
// cancellation between events.
func (e *Engine) Process(ctx context.Context, event *core.Event) []*core.Alert {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	e.stats.EventsProcessed.Add(1)
	now := e.now()

	var alerts []*core.Alert
	for _, rule := range e.rules {
		ok, extracted := e.matcher.Match(event, rule)
		if !ok {
			continue
		}
		metrics.EngineRuleMatches.WithLabelValues(strconv.FormatUint(rule.SID, 10)).Inc()

		d := e.resolver.Resolve(event, rule, extracted)
		in := &GateInput{Rule: rule, Event: event, Derived: d, Now: now}
		if !e.passGates(ctx, in) {
			continue
		}

		suppressed := e.rateControl(ctx, rule, d, now)
		e.stats.SignaturesMatched.Add(1)
		if suppressed {
			continue
		}

		e.applyMarkers(ctx, rule, d, now)
		if rule.NoAlert {
			continue
		}

		alert := core.NewAlert(rule, event, d, now)
		e.stats.Alerts.Add(1)
		metrics.AlertsGenerated.WithLabelValues(rule.Classtype).Inc()
		alerts = append(alerts, alert)
	}
	return alerts
}

func (e *Engine) passGates(ctx context.Context, in *GateInput) bool {
	for _, g := range e.gates {
		ok, err := g.Check(ctx, in)
		if err != nil {
			e.stats.LookupErrors.Add(1)
			metrics.EngineLookupErrors.WithLabelValues(g.Name()).Inc()
			e.logger.Debugw("Gate lookup failed",
				"gate", g.Name(),
				"rule", in.Rule.ID(),
				"error", err)
			if in.Rule.TolerateLookupErrors {
				continue
			}
			ok = false
		}
		if !ok {
			metrics.EngineGateFailures.WithLabelValues(g.Name()).Inc()
			return false
		}
	}
	return true
}

// rateControl applies after, then threshold, and reports whether the match is suppressed.
func (e *Engine) rateControl(ctx context.Context, rule *core.Rule, d *core.Derived, now time.Time) bool {
	if rule.After != nil {
		n, err := e.record(ctx, rule, rule.After, PolicyAfter, d, now)
		if err == nil && n > rule.After.Count {
			e.stats.After.Add(1)
			metrics.EngineSuppressed.WithLabelValues(PolicyAfter).Inc()
			return true
		}
	}
	if rule.Threshold != nil {
		n, err := e.record(ctx, rule, rule.Threshold, PolicyThreshold, d, now)
		if err == nil && n <= rule.Threshold.Count {
			e.stats.Threshold.Add(1)
			metrics.EngineSuppressed.WithLabelValues(PolicyThreshold).Inc()
			return true
		}
	}
	return false
}

func (e *Engine) record(ctx context.Context, rule *core.Rule, limit *core.RateLimit, policy string, d *core.Derived, now time.Time) (int, error) {
	key := RateKey{
		Track:  limit.Track,
		Policy: policy,
		GID:    rule.GID,
		SID:    rule.SID,
		Value:  TrackValue(limit.Track, d),
	}
	n, err := e.rates.Record(ctx, key, limit.Window, now)
	if err != nil && !errors.Is(err, ErrTableFull) {
		e.logger.Errorw("Rate control update failed",
			"rule", rule.ID(),
			"policy", policy,
			"track", limit.Track.String(),
			"error", err)
	}
	return n, err
}

func (e *Engine) applyMarkers(ctx context.Context, rule *core.Rule, d *core.Derived, now time.Time) {
	if !rule.HasMarkerUpdates() {
		return
	}
	if err := e.markers.Unset(ctx, rule, d.SrcIP, d.DstIP, now); err != nil {
		e.logger.Errorw("Failed to unset xbits", "rule", rule.ID(), "error", err)
	}
	if err := e.markers.Set(ctx, rule, d.SrcIP, d.DstIP, now); err != nil && !errors.Is(err, ErrTableFull) {
		e.logger.Errorw("Failed to set xbits", "rule", rule.ID(), "error", err)
	}
}
