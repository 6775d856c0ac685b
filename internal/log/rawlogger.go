package log

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// RawLogger dumps raw wire chunks. in=true is client-to-server traffic.
type RawLogger interface {
	Log(in bool, data []byte)
}

// NewRaw returns a RawLogger writing hex-dump lines to w, or a no-op
// logger when w is nil.
func NewRaw(w io.Writer) RawLogger {
	if w == nil {
		return nopRawLogger{}
	}
	return &rawLogger{w: w}
}

type nopRawLogger struct{}

func (nopRawLogger) Log(bool, []byte) {}

type rawLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 {
		return
	}
	dir := "S->C"
	if in {
		dir = "C->S"
	}

	var hexdump strings.Builder
	hexdump.Grow(len(data) * 3)
	for i, b := range data {
		if i > 0 {
			hexdump.WriteByte(' ')
		}
		fmt.Fprintf(&hexdump, "%02x", b)
	}

	line := fmt.Sprintf("%s %s chunk: %d bytes, hex: %s\n",
		time.Now().Format("2006/01/02 15:04:05"), dir, len(data), hexdump.String())

	r.mu.Lock()
	_, _ = r.w.Write([]byte(line))
	r.mu.Unlock()
}
