package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"logcorr/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFileReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.log")
	body := "10.0.0.1|auth|info|info|t|d|t|sshd|first\n" +
		"\n" +
		"broken record\n" +
		"<38>Mar  2 10:00:00 gw01 sshd[7]: second\r\n" +
		"10.0.0.2|auth|info|info|t|d|t|sshd|no trailing newline"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	eventCh := make(chan *core.Event, 10)
	r := NewFileReader(path, nil, eventCh, zaptest.NewLogger(t).Sugar())
	require.NoError(t, r.Run(context.Background()))
	close(eventCh)

	var messages []string
	for e := range eventCh {
		messages = append(messages, e.Message)
	}
	assert.Equal(t, []string{"first", "second", "no trailing newline"}, messages)
}

func TestFileReader_Cancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.log")
	require.NoError(t, os.WriteFile(path, []byte("h|f|p|l|t|d|t|p|one\nh|f|p|l|t|d|t|p|two\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// unbuffered channel nobody reads: the reader must give up on ctx
	r := NewFileReader(path, nil, make(chan *core.Event), zaptest.NewLogger(t).Sugar())
	assert.NoError(t, r.Run(ctx))
}

func TestFileReader_Missing(t *testing.T) {
	r := NewFileReader(filepath.Join(t.TempDir(), "nope"), nil, make(chan *core.Event), zaptest.NewLogger(t).Sugar())
	assert.Error(t, r.Run(context.Background()))
}
