package supervisor

import (
	"bytes"
	"sync"
)

// OutputHistory keeps the most recent lines written by the companion.
// It is an io.Writer; partial lines are held until their newline arrives.
type OutputHistory struct {
	mu      sync.Mutex
	lines   []string
	head    int
	count   int
	maxSize int
	partial []byte
}

// NewOutputHistory creates a history holding up to size lines
func NewOutputHistory(size int) *OutputHistory {
	if size <= 0 {
		size = 200
	}
	return &OutputHistory{
		lines:   make([]string, size),
		maxSize: size,
	}
}

// Write splits p into lines and records them
func (h *OutputHistory) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data := append(h.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		h.add(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	h.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (h *OutputHistory) add(line string) {
	h.lines[h.head] = line
	h.head = (h.head + 1) % h.maxSize
	if h.count < h.maxSize {
		h.count++
	}
}

// Tail returns up to n of the most recent lines, oldest first
func (h *OutputHistory) Tail(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || h.count == 0 {
		return nil
	}
	if n > h.count {
		n = h.count
	}
	result := make([]string, n)
	start := (h.head - n + h.maxSize) % h.maxSize
	for i := 0; i < n; i++ {
		result[i] = h.lines[(start+i)%h.maxSize]
	}
	return result
}

// Clear drops all recorded output
func (h *OutputHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.head = 0
	h.count = 0
	h.partial = nil
}
