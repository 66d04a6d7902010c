package ids

import "testing"

func TestAllocator_MonotonicIncreasing(t *testing.T) {
	a, err := New(7)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var last uint64
	for i := 0; i < 1000; i++ {
		id, err := a.Next(TypeAlarm)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if id <= last {
			t.Fatalf("id not increasing: last=%d id=%d", last, id)
		}
		last = id
	}
}

func TestAllocator_UnpackRoundTrip(t *testing.T) {
	a, err := New(42)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	id, err := a.Next(3)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	parts := Unpack(id)
	if parts.NodeID != 42 {
		t.Errorf("NodeID = %d, want 42", parts.NodeID)
	}
	if parts.TypeID != 3 {
		t.Errorf("TypeID = %d, want 3", parts.TypeID)
	}
}

func TestAllocator_RejectsOversizedNodeID(t *testing.T) {
	if _, err := New(maxNodeID + 1); err == nil {
		t.Fatal("expected error for oversized node id")
	}
}

func TestAllocator_RejectsOversizedTypeID(t *testing.T) {
	a, err := New(1)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := a.Next(maxTypeID + 1); err == nil {
		t.Fatal("expected error for oversized type id")
	}
}
