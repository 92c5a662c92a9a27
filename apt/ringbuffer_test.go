package apt

import "testing"

func TestRingBufferBacklog(t *testing.T) {
	rb := NewRingBuffer(8)
	for i := 0; i < 10; i++ {
		rb.Write(float32(i))
	}
	if rb.Backlog() != 8 {
		t.Fatalf("backlog = %d, want 8", rb.Backlog())
	}
	if rb.Overruns() != 2 {
		t.Errorf("overruns = %d, want 2", rb.Overruns())
	}

	dst := make([]float32, 5)
	if n := rb.Read(dst); n != 5 {
		t.Fatalf("read %d, want 5", n)
	}
	if dst[4] != 4 {
		t.Errorf("dst[4] = %v, want 4", dst[4])
	}
	if rb.Backlog() != 3 {
		t.Errorf("backlog = %d, want 3", rb.Backlog())
	}

	if n := rb.Read(make([]float32, 10)); n != 3 {
		t.Errorf("read %d, want 3", n)
	}
	if n := rb.Read(make([]float32, 10)); n != 0 {
		t.Errorf("read from empty buffer returned %d", n)
	}
	if rb.Write(1) {
		t.Error("write to a full buffer should be dropped")
	}

	rb.Reset()
	if rb.Backlog() != 0 || rb.WriteIndex() != 0 || rb.ReadIndex() != 0 || rb.Overruns() != 0 {
		t.Error("reset did not clear the buffer")
	}
	if !rb.Write(1) {
		t.Error("write after reset failed")
	}
}

func TestPassBufferCapacity(t *testing.T) {
	if got, want := DecodeRate*MaxHeight/2, 18000000; got != want {
		t.Fatalf("pass capacity = %d, want %d", got, want)
	}
}
