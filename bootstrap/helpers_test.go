package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"logcorr/config"
	"logcorr/core"
	"logcorr/detect"
	"logcorr/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestContainsIgnoreCase(t *testing.T) {
	tests := []struct {
		s        string
		substr   string
		expected bool
	}{
		{"Hello World", "hello", true},
		{"Hello World", "WORLD", true},
		{"Hello World", "xyz", false},
		{"", "", true},
		{"", "abc", false},
		{"WRONGPASS invalid username-password pair", "wrongpass", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, containsIgnoreCase(tt.s, tt.substr), "%q in %q", tt.substr, tt.s)
	}
}

func TestClassifyConnectionError(t *testing.T) {
	assert.Empty(t, ClassifyConnectionError(nil, "x"))

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	assert.Contains(t, ClassifyConnectionError(refused, "127.0.0.1:6379"), "Connection refused by Redis")

	auth := errors.New("WRONGPASS invalid username-password pair")
	assert.Contains(t, ClassifyConnectionError(auth, "r:6379"), "Authentication failed")

	dns := errors.New("dial tcp: lookup redis.internal: no such host")
	assert.Contains(t, ClassifyConnectionError(dns, "redis.internal:6379"), "Cannot resolve hostname")

	assert.Contains(t, ClassifyConnectionError(errors.New("boom"), "r:6379"), "Failed to connect to Redis")
}

func TestClassifySQLiteError(t *testing.T) {
	assert.Empty(t, ClassifySQLiteError(nil, "a.db"))
	assert.Contains(t, ClassifySQLiteError(errors.New("database is locked"), "a.db"), "locked by another process")
	assert.Contains(t, ClassifySQLiteError(errors.New("open a.db: permission denied"), "a.db"), "Permission denied")
	assert.Contains(t, ClassifySQLiteError(errors.New("database disk image is malformed"), "a.db"), "corrupted")
	assert.Contains(t, ClassifySQLiteError(errors.New("weird"), "a.db"), "Failed to initialize SQLite")
}

func TestEnsureDataDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := &config.Config{}
	cfg.Outputs.Fast.Enabled = true
	cfg.Outputs.Fast.Path = filepath.Join(base, "logs", "fast.log")
	cfg.Outputs.SQLite.Enabled = true
	cfg.Outputs.SQLite.Path = filepath.Join(base, "db", "alerts.db")

	assert.Equal(t, []string{filepath.Join(base, "logs"), filepath.Join(base, "db")}, outputDirectories(cfg))
	require.NoError(t, EnsureDataDirectories(cfg, zaptest.NewLogger(t).Sugar()))
	assert.DirExists(t, filepath.Join(base, "logs"))
	assert.DirExists(t, filepath.Join(base, "db"))

	cfg.Outputs.SQLite.Path = ":memory:"
	cfg.Outputs.Fast.Enabled = false
	assert.Empty(t, outputDirectories(cfg))
}

func TestInitLogger(t *testing.T) {
	_, sugar, err := InitLogger("warn")
	require.NoError(t, err)
	assert.NotNil(t, sugar)

	_, _, err = InitLogger("chatty")
	assert.Error(t, err)
}

func TestFieldConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Engine.Host = "192.0.2.1"
	cfg.Engine.Port = 514
	cfg.Engine.DefaultProto = "TCP"
	cfg.Engine.ProgramProto = map[string]string{"named": "udp"}
	cfg.Engine.MessageProto = map[string]string{"icmp": "icmp"}

	fc := FieldConfig(cfg)
	assert.Equal(t, "192.0.2.1", fc.Host)
	assert.Equal(t, core.ProtoTCP, fc.Proto)
	assert.Equal(t, map[string]int{"named": core.ProtoUDP}, fc.ProgramProto)
	assert.Equal(t, map[string]int{"icmp": core.ProtoICMP}, fc.MessageProto)
}

func TestInitState(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	stats := metrics.NewStats(t0)
	ctx := context.Background()

	cfg := &config.Config{}
	cfg.State.Backend = "memory"
	cfg.State.MarkerCapacity = 10
	cfg.State.RateCapacity = 10
	sc, err := InitState(ctx, cfg, stats, logger)
	require.NoError(t, err)
	assert.IsType(t, &detect.MemoryMarkerStore{}, sc.Markers)
	assert.NoError(t, sc.Close())

	mr := miniredis.RunT(t)
	cfg.State.Backend = "redis"
	cfg.State.Redis = config.RedisConfig{Addr: mr.Addr(), PoolSize: 2, KeyPrefix: "test"}
	sc, err = InitState(ctx, cfg, stats, logger)
	require.NoError(t, err)
	assert.IsType(t, &detect.RedisMarkerStore{}, sc.Markers)
	assert.IsType(t, &detect.RedisRateStore{}, sc.Rates)
	assert.NoError(t, sc.Close())

	mr.Close()
	_, err = InitState(ctx, cfg, stats, logger)
	assert.Error(t, err)

	cfg.State.Backend = "etcd"
	_, err = InitState(ctx, cfg, stats, logger)
	assert.Error(t, err)
}

func TestInitPipeline(t *testing.T) {
	cfg := &config.Config{}
	cfg.Engine.RegexTimeout = defaultTestTimeout
	cfg.Normalize.Patterns = []config.NormalizePatternConfig{
		{Program: []string{"sshd"}, Pattern: `from (?<src_ip>\d+\.\d+\.\d+\.\d+)`},
	}
	p, err := InitPipeline("pipe", cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	event, err := p.Build("host1|auth|info|info|sshd|2026-03-02|10:00:00|sshd|Failed password from 203.0.113.9 port 22")
	require.NoError(t, err)
	require.NotNil(t, event.Normalized)
	assert.Equal(t, "203.0.113.9", event.Normalized.SrcIP)

	_, err = InitPipeline("cef", cfg, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)

	cfg.Normalize.Patterns = []config.NormalizePatternConfig{{Pattern: `(?<nothing>x)`}}
	_, err = InitPipeline("auto", cfg, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestInitOutputs_FailureClosesOpened(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Outputs.Workers = 1
	cfg.Outputs.QueueSize = 10
	cfg.Outputs.Fast.Enabled = true
	cfg.Outputs.Fast.Path = filepath.Join(dir, "fast.log")
	cfg.Outputs.Webhook.Enabled = true // no url

	_, err := InitOutputs(context.Background(), cfg, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)

	cfg.Outputs.Webhook.Enabled = false
	cfg.Outputs.SQLite.Enabled = true
	cfg.Outputs.SQLite.Path = ":memory:"
	oc, err := InitOutputs(context.Background(), cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	names := make([]string, 0, len(oc.Outputs))
	for _, o := range oc.Outputs {
		names = append(names, o.Name())
	}
	assert.Equal(t, "fast,sqlite", strings.Join(names, ","))
	assert.Nil(t, oc.Hub, "websocket needs the API")
	oc.closeOutputs(zaptest.NewLogger(t).Sugar())
}

func ExampleFieldConfig() {
	cfg := &config.Config{}
	cfg.Engine.DefaultProto = "udp"
	fmt.Println(FieldConfig(cfg).Proto)
	// Output: 17
}
