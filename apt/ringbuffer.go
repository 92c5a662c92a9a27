package apt

// RingBuffer holds demodulated audio between the discriminator and the row
// decoder. Indices only grow; once the write index reaches capacity further
// samples are dropped until Reset. Capacity covers a full MaxHeight pass.
type RingBuffer struct {
	samples    []float32
	writeIndex int
	readIndex  int
	backlog    int
	overruns   uint64
	written    uint64
}

// NewRingBuffer allocates a buffer for capacity samples
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{samples: make([]float32, capacity)}
}

// NewPassBuffer allocates a buffer sized for one full pass at DecodeRate
func NewPassBuffer() *RingBuffer {
	return NewRingBuffer(DecodeRate * MaxHeight / 2)
}

// Write appends one sample. It returns false if the buffer is full and the
// sample was dropped.
func (rb *RingBuffer) Write(x float32) bool {
	if rb.writeIndex >= len(rb.samples) {
		rb.overruns++
		return false
	}
	rb.samples[rb.writeIndex] = x
	rb.writeIndex++
	rb.backlog++
	rb.written++
	return true
}

// Read copies up to len(dst) buffered samples into dst and returns how many
// were copied. It never blocks.
func (rb *RingBuffer) Read(dst []float32) int {
	n := len(dst)
	if n > rb.backlog {
		n = rb.backlog
	}
	if rb.readIndex+n > len(rb.samples) {
		n = len(rb.samples) - rb.readIndex
	}
	if n <= 0 {
		return 0
	}
	copy(dst, rb.samples[rb.readIndex:rb.readIndex+n])
	rb.readIndex += n
	rb.backlog -= n
	return n
}

// Backlog returns the number of written samples not yet read
func (rb *RingBuffer) Backlog() int { return rb.backlog }

// WriteIndex returns the next write position
func (rb *RingBuffer) WriteIndex() int { return rb.writeIndex }

// ReadIndex returns the next read position
func (rb *RingBuffer) ReadIndex() int { return rb.readIndex }

// Capacity returns the buffer size in samples
func (rb *RingBuffer) Capacity() int { return len(rb.samples) }

// Overruns returns the number of samples dropped since the last reset
func (rb *RingBuffer) Overruns() uint64 { return rb.overruns }

// TotalWritten returns the number of samples accepted since the last reset
func (rb *RingBuffer) TotalWritten() uint64 { return rb.written }

// Reset empties the buffer
func (rb *RingBuffer) Reset() {
	rb.writeIndex = 0
	rb.readIndex = 0
	rb.backlog = 0
	rb.overruns = 0
	rb.written = 0
}
