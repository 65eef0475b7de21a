package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"logcorr/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingOutput struct {
	name string
	fail bool

	mu   sync.Mutex
	sids []uint64
	// block, when set, holds Send until closed
	block chan struct{}
}

func (r *recordingOutput) Name() string { return r.name }

func (r *recordingOutput) Send(_ context.Context, alert *core.Alert) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sids = append(r.sids, alert.SID)
	if r.fail {
		return errors.New("output down")
	}
	return nil
}

func (r *recordingOutput) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sids)
}

type closingOutput struct {
	recordingOutput
	closed atomic.Bool
}

func (c *closingOutput) Close() error {
	c.closed.Store(true)
	return nil
}

func TestDispatcher_FansOut(t *testing.T) {
	failing := &recordingOutput{name: "failing", fail: true}
	good := &recordingOutput{name: "good"}
	closer := &closingOutput{recordingOutput: recordingOutput{name: "closer"}}

	d := NewDispatcher(context.Background(), []Output{failing, good, closer}, 2, 16, zaptest.NewLogger(t).Sugar())
	d.Start()

	for i := 1; i <= 5; i++ {
		a := testAlert()
		a.SID = uint64(i)
		assert.True(t, d.Dispatch(a))
	}
	d.Stop()

	assert.Equal(t, 5, failing.Count(), "a failing output does not stop the others")
	assert.Equal(t, 5, good.Count())
	assert.Equal(t, 5, closer.Count())
	assert.True(t, closer.closed.Load())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	slow := &recordingOutput{name: "slow", block: block}

	d := NewDispatcher(context.Background(), []Output{slow}, 1, 1, zaptest.NewLogger(t).Sugar())
	d.Start()

	accepted := 0
	for i := 0; i < 10; i++ {
		if d.Dispatch(testAlert()) {
			accepted++
		}
	}
	// one in flight plus one queued at most
	assert.LessOrEqual(t, accepted, 2)
	assert.GreaterOrEqual(t, accepted, 1)

	close(block)
	d.Stop()
	assert.Equal(t, accepted, slow.Count())
}

func TestDispatcher_NotStarted(t *testing.T) {
	d := NewDispatcher(context.Background(), []Output{&recordingOutput{name: "x"}}, 1, 1, zaptest.NewLogger(t).Sugar())
	assert.False(t, d.Dispatch(testAlert()))

	empty := NewDispatcher(context.Background(), nil, 1, 1, zaptest.NewLogger(t).Sugar())
	assert.True(t, empty.Dispatch(testAlert()), "no outputs means nothing to drop")
}

func TestWebhookOutput(t *testing.T) {
	var got core.Alert
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out, err := NewWebhookOutput(WebhookConfig{
		URL:         srv.URL,
		Headers:     map[string]string{"X-Token": "secret"},
		MinPriority: 2,
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	require.NoError(t, out.Send(context.Background(), testAlert()))
	assert.Equal(t, uint64(5000001), got.SID)

	low := testAlert()
	low.Priority = 3
	require.NoError(t, out.Send(context.Background(), low))
	assert.Equal(t, int32(1), hits.Load(), "priority 3 is filtered")
}

func TestWebhookOutput_CircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	out, err := NewWebhookOutput(WebhookConfig{
		URL:     srv.URL,
		Timeout: time.Second,
		CircuitBreaker: core.CircuitBreakerConfig{
			MaxFailures: 2, Timeout: time.Hour, MaxHalfOpenRequests: 1,
		},
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.ErrorContains(t, out.Send(context.Background(), testAlert()), "status 502")
	}
	err = out.Send(context.Background(), testAlert())
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.Equal(t, int32(2), hits.Load())

	_, err = NewWebhookOutput(WebhookConfig{}, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}
