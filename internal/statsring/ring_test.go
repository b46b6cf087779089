package statsring

import "testing"

func TestRing_OverwritesOldestWhenFull(t *testing.T) {
	r := New(3)
	r.Push(Entry{JobID: "1"})
	r.Push(Entry{JobID: "2"})
	r.Push(Entry{JobID: "3"})
	r.Push(Entry{JobID: "4"})

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	ids := []string{snap[0].JobID, snap[1].JobID, snap[2].JobID}
	want := []string{"2", "3", "4"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected oldest-first order %v, got %v", want, ids)
		}
	}
}

func TestRing_LenTracksSizeUntilFull(t *testing.T) {
	r := New(5)
	if r.Len() != 0 {
		t.Fatalf("expected empty ring, got len=%d", r.Len())
	}
	r.Push(Entry{JobID: "a"})
	r.Push(Entry{JobID: "b"})
	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}
}

func TestRing_ZeroCapacityClampedToOne(t *testing.T) {
	r := New(0)
	r.Push(Entry{JobID: "x"})
	r.Push(Entry{JobID: "y"})
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].JobID != "y" {
		t.Fatalf("expected capacity clamped to 1 holding only the latest entry, got %+v", snap)
	}
}
