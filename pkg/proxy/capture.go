package proxy

// defaultCaptureLimit applies when a result carries no explicit limit.
const defaultCaptureLimit = 4 << 20

// captureBuffer keeps a bounded side-copy of a relayed body. Once more than
// limit bytes have been offered the copy is dropped and only the byte count
// is kept, so a long stream never grows memory past the cap.
type captureBuffer struct {
	limit      int64
	buf        []byte
	total      int64
	overflowed bool
}

func newCaptureBuffer(limit int64) *captureBuffer {
	initial := limit
	if initial > 32*1024 {
		initial = 32 * 1024
	}
	if initial < 0 {
		initial = 0
	}
	return &captureBuffer{limit: limit, buf: make([]byte, 0, initial)}
}

func (c *captureBuffer) Write(p []byte) (int, error) {
	c.total += int64(len(p))
	if c.overflowed {
		return len(p), nil
	}
	if c.limit > 0 && int64(len(c.buf)+len(p)) > c.limit {
		c.overflowed = true
		c.buf = nil
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *captureBuffer) Bytes() []byte {
	return c.buf
}

func (c *captureBuffer) Len() int64 {
	return c.total
}

func (c *captureBuffer) Overflowed() bool {
	return c.overflowed
}
