package terminal

import (
	"bytes"
	"testing"
)

func TestScrollbackAppend(t *testing.T) {
	tests := []struct {
		name   string
		max    int
		chunks []string
		want   string
	}{
		{"under cap", 10, []string{"abc", "def"}, "abcdef"},
		{"exactly cap", 6, []string{"abc", "def"}, "abcdef"},
		{"over cap drops oldest", 4, []string{"abc", "def"}, "cdef"},
		{"single chunk larger than cap", 3, []string{"abcdefgh"}, "fgh"},
		{"many small chunks", 5, []string{"a", "b", "c", "d", "e", "f", "g"}, "cdefg"},
		{"empty chunk", 5, []string{"abc", "", "d"}, "abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewScrollback(tt.max)
			for _, c := range tt.chunks {
				b.Append([]byte(c))
				if b.Len() > tt.max {
					t.Fatalf("Len() = %d exceeds cap %d", b.Len(), tt.max)
				}
			}
			if got := string(b.Bytes()); got != tt.want {
				t.Errorf("Bytes() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScrollbackRetainsMostRecentBytes(t *testing.T) {
	const max = 50000
	b := NewScrollback(max)

	var all bytes.Buffer
	for i := 0; i < 300; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 1+i%700)
		all.Write(chunk)
		b.Append(chunk)
	}

	want := all.Bytes()
	if len(want) > max {
		want = want[len(want)-max:]
	}
	if !bytes.Equal(b.Bytes(), want) {
		t.Fatalf("scrollback does not equal the newest %d bytes of the stream", max)
	}
}

func TestScrollbackBytesReturnsCopy(t *testing.T) {
	b := NewScrollback(10)
	b.Append([]byte("abc"))

	out := b.Bytes()
	out[0] = 'X'

	if got := string(b.Bytes()); got != "abc" {
		t.Errorf("mutation leaked into scrollback: %q", got)
	}
	if b.Cap() != 10 {
		t.Errorf("Cap() = %d, want 10", b.Cap())
	}
}
