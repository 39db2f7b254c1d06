package remote

import "bytes"

// maxCaptureBytes caps how much of a command's stdout or stderr is kept.
const maxCaptureBytes = 1 << 20

// limitWriter buffers up to limit bytes and silently drops the rest, so a
// runaway remote command cannot exhaust agent memory.
type limitWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newLimitWriter() *limitWriter {
	return &limitWriter{limit: maxCaptureBytes}
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		w.truncated = true
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *limitWriter) String() string {
	if w.truncated {
		return w.buf.String() + "\n[output truncated]"
	}
	return w.buf.String()
}
