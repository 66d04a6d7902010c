package queue

import "testing"

func TestPartitionForKey_Deterministic(t *testing.T) {
	a := PartitionForKey("device-1", 6)
	b := PartitionForKey("device-1", 6)
	if a != b {
		t.Errorf("expected deterministic partition assignment, got %d and %d", a, b)
	}
}

func TestPartitionForKey_WithinRange(t *testing.T) {
	for _, key := range []string{"device-1", "device-2", "device-3"} {
		p := PartitionForKey(key, 6)
		if p < 0 || p >= 6 {
			t.Errorf("partition %d out of range for key %s", p, key)
		}
	}
}
