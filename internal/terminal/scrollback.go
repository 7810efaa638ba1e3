package terminal

// Scrollback keeps the most recent output of a session, dropping the oldest
// bytes once the cap is exceeded. It is not safe for concurrent use; the
// Registry serializes access.
type Scrollback struct {
	buf []byte
	max int
}

func NewScrollback(max int) *Scrollback {
	return &Scrollback{max: max}
}

func (b *Scrollback) Append(p []byte) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		n := copy(b.buf, b.buf[over:])
		b.buf = b.buf[:n]
	}
}

// Bytes returns a copy of the buffered output, oldest first.
func (b *Scrollback) Bytes() []byte {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

func (b *Scrollback) Len() int {
	return len(b.buf)
}

func (b *Scrollback) Cap() int {
	return b.max
}
