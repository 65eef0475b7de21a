package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"logcorr/api"
	"logcorr/config"
	"logcorr/core"
	"logcorr/detect"
	"logcorr/ingest"
	"logcorr/metrics"
	"logcorr/notify"
	"logcorr/storage"
	"logcorr/threat"

	"go.uber.org/zap"
)

// LoadRules compiles the configured rule files. Every rule problem is logged
// before the load fails.
func LoadRules(cfg *config.Config, sugar *zap.SugaredLogger) ([]*core.Rule, error) {
	loader := &detect.RuleLoader{RegexTimeout: cfg.Engine.RegexTimeout}
	rules, err := loader.Load(cfg.Rules.Files...)
	if err != nil {
		var loadErr *detect.LoadError
		if errors.As(err, &loadErr) {
			for _, re := range loadErr.Errors {
				sugar.Errorw("Invalid rule", "file", re.File, "line", re.Line, "sid", re.SID, "error", re.Err)
			}
		}
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	if len(rules) == 0 {
		sugar.Warnw("No rules loaded", "paths", cfg.Rules.Files)
	}
	sugar.Infow("Rules loaded", "count", len(rules), "paths", cfg.Rules.Files)
	return rules, nil
}

// ThreatComponents holds the external lookup collaborators. Any of them may
// be nil when disabled.
type ThreatComponents struct {
	GeoIP      *threat.GeoIP
	Blacklist  *threat.Blacklist
	Intel      threat.ThreatFeed
	Reputation threat.ThreatFeed
}

// Close releases the GeoIP database.
func (t *ThreatComponents) Close() error {
	if t == nil || t.GeoIP == nil {
		return nil
	}
	return t.GeoIP.Close()
}

// InitThreat loads the GeoIP database, blacklist and intel files and builds
// the reputation client.
func InitThreat(cfg *config.Config, sugar *zap.SugaredLogger) (*ThreatComponents, error) {
	tc := &ThreatComponents{}

	if cfg.GeoIP.Enabled {
		g, err := threat.OpenGeoIP(cfg.GeoIP.Database)
		if err != nil {
			return nil, err
		}
		tc.GeoIP = g
		sugar.Infow("GeoIP database loaded", "path", cfg.GeoIP.Database)
	}

	if cfg.Blacklist.Enabled {
		bl, err := threat.LoadBlacklist(cfg.Blacklist.Path)
		if err != nil {
			tc.Close()
			return nil, err
		}
		tc.Blacklist = bl
		sugar.Infow("Blacklist loaded", "path", cfg.Blacklist.Path, "entries", bl.Len())
	}

	if cfg.Intel.Enabled {
		intel, err := threat.LoadIntelFile(cfg.Intel.Path)
		if err != nil {
			tc.Close()
			return nil, err
		}
		tc.Intel = threat.NewCachedFeed(intel, cfg.Intel.CacheSize, cfg.Intel.CacheTTL)
		sugar.Infow("Intel file loaded", "path", cfg.Intel.Path,
			"ips", intel.Len(threat.IOCTypeIP),
			"domains", intel.Len(threat.IOCTypeDomain),
			"hashes", intel.Len(threat.IOCTypeHash))
	}

	if cfg.Reputation.Enabled {
		rc := cfg.Reputation
		provider, err := threat.NewHTTPReputationProvider(threat.HTTPReputationConfig{
			BaseURL:       rc.URL,
			APIKey:        rc.APIKey,
			Timeout:       rc.Timeout,
			RatePerSecond: rc.RatePerSecond,
			Burst:         rc.Burst,
			CircuitBreaker: core.CircuitBreakerConfig{
				MaxFailures:         rc.CircuitBreaker.MaxFailures,
				Timeout:             rc.CircuitBreaker.Timeout,
				MaxHalfOpenRequests: rc.CircuitBreaker.MaxHalfOpenRequests,
			},
		})
		if err != nil {
			tc.Close()
			return nil, fmt.Errorf("failed to initialize reputation provider: %w", err)
		}
		tc.Reputation = threat.NewCachedFeed(provider, rc.CacheSize, rc.CacheTTL)
		sugar.Infow("Reputation provider configured", "url", rc.URL, "cache_size", rc.CacheSize, "cache_ttl", rc.CacheTTL)
	}

	return tc, nil
}

var protoNumbers = map[string]int{"icmp": core.ProtoICMP, "tcp": core.ProtoTCP, "udp": core.ProtoUDP}

func protoMap(in map[string]string) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = protoNumbers[strings.ToLower(v)]
	}
	return out
}

// FieldConfig translates engine settings into the field resolver configuration.
func FieldConfig(cfg *config.Config) detect.FieldConfig {
	return detect.FieldConfig{
		Host:         cfg.Engine.Host,
		Port:         cfg.Engine.Port,
		Proto:        protoNumbers[strings.ToLower(cfg.Engine.DefaultProto)],
		ProgramProto: protoMap(cfg.Engine.ProgramProto),
		MessageProto: protoMap(cfg.Engine.MessageProto),
	}
}

// InitEngine wires the rule catalog to its stores and lookups.
func InitEngine(cfg *config.Config, rules []*core.Rule, state *StateComponents, tc *ThreatComponents, stats *metrics.Stats, sugar *zap.SugaredLogger) (*detect.Engine, error) {
	loc := time.Local
	if cfg.Engine.Timezone != "" {
		l, err := time.LoadLocation(cfg.Engine.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid engine timezone: %w", err)
		}
		loc = l
	}

	opts := detect.EngineOptions{
		Fields:        FieldConfig(cfg),
		Markers:       state.Markers,
		Rates:         state.Rates,
		Reputation:    tc.Reputation,
		Intel:         tc.Intel,
		LookupTimeout: cfg.Engine.LookupTimeout,
		Location:      loc,
		Stats:         stats,
	}
	// typed nils must not reach the interface fields
	if tc.GeoIP != nil {
		opts.GeoIP = tc.GeoIP
	}
	if tc.Blacklist != nil {
		opts.Blacklist = tc.Blacklist
	}
	return detect.NewEngine(rules, opts, sugar), nil
}

// InitPipeline builds the parse and normalization stage for an input format.
func InitPipeline(format string, cfg *config.Config, sugar *zap.SugaredLogger) (*ingest.Pipeline, error) {
	parse, err := ingest.ParserFor(format)
	if err != nil {
		return nil, err
	}

	patterns := make([]ingest.NormalizePattern, 0, len(cfg.Normalize.Patterns))
	for _, p := range cfg.Normalize.Patterns {
		patterns = append(patterns, ingest.NormalizePattern{Program: p.Program, Pattern: p.Pattern})
	}
	normalizer, err := ingest.NewNormalizer(patterns, cfg.Engine.RegexTimeout, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to compile normalization patterns: %w", err)
	}
	return &ingest.Pipeline{Parse: parse, Normalizer: normalizer}, nil
}

// OutputComponents holds the alert outputs and what backs them.
type OutputComponents struct {
	Outputs    []notify.Output
	SQLite     *storage.SQLite
	Alerts     *storage.AlertStore
	Retention  *storage.RetentionManager
	Hub        *api.Hub
	Dispatcher *notify.Dispatcher
}

// InitOutputs opens every enabled output and the dispatcher in front of them.
// On error, anything already opened is closed.
func InitOutputs(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*OutputComponents, error) {
	oc := &OutputComponents{}
	fail := func(err error) (*OutputComponents, error) {
		oc.closeOutputs(sugar)
		return nil, err
	}

	if cfg.Outputs.Fast.Enabled {
		fast, err := notify.OpenFastOutput(cfg.Outputs.Fast.Path)
		if err != nil {
			return fail(err)
		}
		oc.Outputs = append(oc.Outputs, fast)
		sugar.Infow("Fast alert output enabled", "path", cfg.Outputs.Fast.Path)
	}

	if cfg.Outputs.SQLite.Enabled {
		sqlite, err := InitSQLite(cfg.Outputs.SQLite.Path, sugar)
		if err != nil {
			return fail(err)
		}
		oc.SQLite = sqlite
		oc.Alerts = storage.NewAlertStore(sqlite, sugar)
		oc.Retention = storage.NewRetentionManager(oc.Alerts, cfg.Outputs.SQLite.RetentionDays, sugar)
		oc.Outputs = append(oc.Outputs, oc.Alerts)
	}

	if cfg.Outputs.Webhook.Enabled {
		wc := cfg.Outputs.Webhook
		webhook, err := notify.NewWebhookOutput(notify.WebhookConfig{
			URL:         wc.URL,
			Method:      wc.Method,
			Headers:     wc.Headers,
			Timeout:     wc.Timeout,
			MinPriority: wc.MinPriority,
		}, sugar)
		if err != nil {
			return fail(err)
		}
		oc.Outputs = append(oc.Outputs, webhook)
		sugar.Infow("Webhook alert output enabled", "url", wc.URL)
	}

	if cfg.Outputs.WebSocket.Enabled && cfg.API.Enabled {
		oc.Hub = api.NewHub(ctx, sugar)
		oc.Outputs = append(oc.Outputs, oc.Hub)
	}

	if len(oc.Outputs) == 0 {
		sugar.Warn("No alert outputs enabled, alerts will only be counted")
	}
	oc.Dispatcher = notify.NewDispatcher(ctx, oc.Outputs, cfg.Outputs.Workers, cfg.Outputs.QueueSize, sugar)
	return oc, nil
}

// closeOutputs releases outputs opened before a failed InitOutputs.
func (oc *OutputComponents) closeOutputs(sugar *zap.SugaredLogger) {
	for _, out := range oc.Outputs {
		if c, ok := out.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				sugar.Warnw("Failed to close output", "output", out.Name(), "error", err)
			}
		}
	}
	if oc.SQLite != nil {
		oc.SQLite.Close()
	}
}

// reportStats logs the statistics report every interval until ctx ends.
func reportStats(ctx context.Context, stats *metrics.Stats, interval time.Duration, sugar *zap.SugaredLogger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			logReport(stats, now, sugar)
		}
	}
}

func logReport(stats *metrics.Stats, now time.Time, sugar *zap.SugaredLogger) {
	for _, line := range stats.Snapshot(now).Report() {
		sugar.Info(line)
	}
}
