package rtpnet

import (
	"errors"
	"testing"
	"time"
)

func intTable() *HashTable[int] {
	return NewComparableHashTable(7, func(v int) int { return v % 7 })
}

func TestHashTableInsertionOrder(t *testing.T) {
	h := intTable()
	for _, v := range []int{5, 12, 3, 19, 26} {
		if err := h.AddElement(v); err != nil {
			t.Fatalf("add %d: %v", v, err)
		}
	}
	if err := h.AddElement(12); !errors.Is(err, ErrElementAlreadyExists) {
		t.Fatalf("duplicate add = %v, want ErrElementAlreadyExists", err)
	}

	got := h.Elements()
	want := []int{5, 12, 3, 19, 26}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	if err := h.DeleteElement(19); err != nil {
		t.Fatal(err)
	}
	if h.HasElement(19) || !h.HasElement(26) || !h.HasElement(5) {
		t.Fatal("chain broken after delete")
	}
	if err := h.DeleteElement(19); !errors.Is(err, ErrElementNotFound) {
		t.Fatalf("second delete = %v", err)
	}
	if h.Len() != 4 {
		t.Fatalf("Len = %d", h.Len())
	}

	// freed slot is reused and the new element goes to the end
	if err := h.AddElement(40); err != nil {
		t.Fatal(err)
	}
	h.GotoLastElement()
	if v, _ := h.CurrentElement(); v != 40 {
		t.Fatalf("last = %d, want 40", v)
	}
}

func TestHashTableBadIndex(t *testing.T) {
	h := NewComparableHashTable(4, func(v int) int { return v })
	if err := h.AddElement(9); !errors.Is(err, ErrInvalidHashIndex) {
		t.Fatalf("err = %v", err)
	}
	if err := h.GotoElement(-1); !errors.Is(err, ErrInvalidHashIndex) {
		t.Fatalf("err = %v", err)
	}
}

func TestHashTableDeleteWhileWalking(t *testing.T) {
	h := intTable()
	for v := 0; v < 20; v++ {
		h.AddElement(v)
	}
	h.GotoFirstElement()
	for h.HasCurrentElement() {
		v, _ := h.CurrentElement()
		if v%2 == 0 {
			h.DeleteCurrentElement()
			continue
		}
		h.GotoNextElement()
	}
	got := h.Elements()
	if len(got) != 10 {
		t.Fatalf("got %v", got)
	}
	for i, v := range got {
		if v != 2*i+1 {
			t.Fatalf("got %v", got)
		}
	}

	h.GotoLastElement()
	h.GotoPreviousElement()
	if v, _ := h.CurrentElement(); v != 17 {
		t.Fatalf("previous = %d", v)
	}
	if err := h.GotoElement(4); err == nil || h.HasCurrentElement() {
		t.Fatal("missing element should clear the cursor")
	}
	if err := h.DeleteCurrentElement(); !errors.Is(err, ErrNoCurrentElement) {
		t.Fatalf("err = %v", err)
	}
}

func TestKeyHashTable(t *testing.T) {
	k := NewKeyHashTable[uint32, string](HashSize, IPv4Hash)
	if err := k.AddElement(0x0a000001, "a"); err != nil {
		t.Fatal(err)
	}
	if err := k.AddElement(0x0a000001, "b"); !errors.Is(err, ErrKeyAlreadyExists) {
		t.Fatalf("err = %v", err)
	}
	if err := k.GotoElement(0x0a000002); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v", err)
	}

	k.GotoElement(0x0a000001)
	v, err := k.CurrentValue()
	if err != nil {
		t.Fatal(err)
	}
	*v = "changed"
	if got, ok := k.Get(0x0a000001); !ok || got != "changed" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if err := k.DeleteElement(0x0a000001); err != nil {
		t.Fatal(err)
	}
	if k.Len() != 0 {
		t.Fatalf("Len = %d", k.Len())
	}
}

func TestCollisionListTimeout(t *testing.T) {
	c := NewCollisionList()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := NewIPv4Address(0xc0a80001, 5004)
	b := NewIPv4Address(0xc0a80002, 5004)

	if created, err := c.UpdateAddress(a, base); err != nil || !created {
		t.Fatalf("first update = %v, %v", created, err)
	}
	if created, _ := c.UpdateAddress(a, base.Add(10*time.Second)); created {
		t.Fatal("refresh reported as new")
	}
	c.UpdateAddress(b, base)

	// a was refreshed at +10s, b was not
	c.Timeout(base.Add(15*time.Second), 10*time.Second)
	if !c.HasAddress(a) || c.HasAddress(b) {
		t.Fatalf("after timeout: a=%v b=%v", c.HasAddress(a), c.HasAddress(b))
	}

	// RTCP send port does not take part in identity
	a2 := a
	a2.SetRTCPSendPort(9999)
	if !c.HasAddress(a2) {
		t.Fatal("RTCP port should not affect lookup")
	}

	if _, err := c.UpdateAddress(Address{}, base); !errors.Is(err, ErrBadCollisionAddress) {
		t.Fatalf("err = %v", err)
	}
}
