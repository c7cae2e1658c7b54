package supervisor

import (
	"bytes"
	"sync"
)

// capture is an io.Writer that keeps at most limit bytes and optionally
// reports each complete line.
type capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
	partial   []byte
	onLine    func(string)
}

func newCapture(limit int, onLine func(string)) *capture {
	return &capture{limit: limit, onLine: onLine}
}

// Write never fails so the engine is not blocked on a full buffer.
func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}

	if c.onLine != nil {
		c.partial = append(c.partial, p...)
		for {
			i := bytes.IndexByte(c.partial, '\n')
			if i < 0 {
				break
			}
			c.onLine(string(c.partial[:i]))
			c.partial = c.partial[i+1:]
		}
		// Unterminated runs longer than the capture limit are reported in pieces.
		if c.limit > 0 && len(c.partial) > c.limit {
			c.onLine(string(c.partial))
			c.partial = nil
		}
	}
	return len(p), nil
}

// flush reports a trailing unterminated line.
func (c *capture) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onLine != nil && len(c.partial) > 0 {
		c.onLine(string(c.partial))
		c.partial = nil
	}
}

// String returns the captured bytes, without any indication of truncation.
func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Truncated reports whether bytes were dropped at the limit.
func (c *capture) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
