package notify

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"logcorr/core"
)

// FastFormat renders the single-line fast alert format:
//
//	DATE TIME  [**] [GID:SID] MSG [**] [Classification: C] [Priority: P] {PROTO} SRC:SPORT -> DST:DPORT
func FastFormat(a *core.Alert) string {
	var b strings.Builder
	b.WriteString(a.Date)
	b.WriteByte(' ')
	b.WriteString(a.Time)
	b.WriteString("  [**] [")
	b.WriteString(strconv.FormatUint(a.GID, 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(a.SID, 10))
	b.WriteString("] ")
	b.WriteString(a.Msg)
	b.WriteString(" [**] [Classification: ")
	b.WriteString(a.Classtype)
	b.WriteString("] [Priority: ")
	b.WriteString(strconv.Itoa(a.Priority))
	b.WriteString("] {")
	b.WriteString(core.ProtoName(a.Proto))
	b.WriteString("} ")
	fmt.Fprintf(&b, "%s:%d -> %s:%d", a.SrcIP, a.SrcPort, a.DstIP, a.DstPort)
	return b.String()
}

// FastOutput appends fast-format lines to a writer.
type FastOutput struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewFastOutput writes to w. Close closes w when it is an io.Closer.
func NewFastOutput(w io.Writer) *FastOutput {
	f := &FastOutput{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		f.closer = c
	}
	return f
}

// OpenFastOutput appends to the file at path, creating it when missing.
func OpenFastOutput(path string) (*FastOutput, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open fast alert log: %w", err)
	}
	return NewFastOutput(file), nil
}

func (f *FastOutput) Name() string { return "fast" }

// Send writes one line and flushes it.
func (f *FastOutput) Send(_ context.Context, alert *core.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.WriteString(FastFormat(alert) + "\n"); err != nil {
		return err
	}
	return f.w.Flush()
}

func (f *FastOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.w.Flush()
	if f.closer != nil {
		if cerr := f.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
