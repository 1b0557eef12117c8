package supervisor

import "bytes"

// cappedBuffer keeps the first limit bytes written and discards the rest.
// Write never fails so a chatty child cannot stall on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte {
	return bytes.Clone(c.buf.Bytes())
}

// tail returns at most n trailing bytes
func (c *cappedBuffer) tail(n int) []byte {
	b := c.buf.Bytes()
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return bytes.Clone(b)
}
