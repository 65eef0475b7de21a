package notify

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"logcorr/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert() *core.Alert {
	return &core.Alert{
		ID:        "a-1",
		GID:       1,
		SID:       5000001,
		Msg:       "[SSH] Repeated login failures",
		Classtype: "attempted-user",
		Priority:  2,
		SrcIP:     "10.0.0.1",
		SrcPort:   514,
		DstIP:     "192.0.2.10",
		DstPort:   22,
		Proto:     core.ProtoTCP,
		Date:      "2026-03-02",
		Time:      "10:00:09",
	}
}

func TestFastFormat(t *testing.T) {
	assert.Equal(t,
		"2026-03-02 10:00:09  [**] [1:5000001] [SSH] Repeated login failures [**] [Classification: attempted-user] [Priority: 2] {TCP} 10.0.0.1:514 -> 192.0.2.10:22",
		FastFormat(testAlert()))

	for proto, name := range map[int]string{core.ProtoICMP: "{ICMP}", core.ProtoUDP: "{UDP}", 0: "{UNKNOWN}", 132: "{UNKNOWN}"} {
		a := testAlert()
		a.Proto = proto
		assert.Contains(t, FastFormat(a), name)
	}
}

func TestFastOutput(t *testing.T) {
	var buf bytes.Buffer
	out := NewFastOutput(&buf)
	assert.Equal(t, "fast", out.Name())

	require.NoError(t, out.Send(context.Background(), testAlert()))
	require.NoError(t, out.Send(context.Background(), testAlert()))
	require.NoError(t, out.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestOpenFastOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alert.log")
	out, err := OpenFastOutput(path)
	require.NoError(t, err)
	require.NoError(t, out.Send(context.Background(), testAlert()))
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, FastFormat(testAlert())+"\n", string(data))

	_, err = OpenFastOutput(filepath.Join(t.TempDir(), "missing", "alert.log"))
	assert.Error(t, err)
}
