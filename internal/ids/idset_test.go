package ids

import "testing"

func TestDenseSetGet(t *testing.T) {
	d := NewDense()

	if d.Get(5) {
		t.Error("expected 5 to be absent before Set")
	}

	d.Set(5)
	if !d.Get(5) {
		t.Error("expected 5 to be present after Set")
	}
	if d.Get(6) {
		t.Error("expected 6 to still be absent")
	}
	if d.Size() != 1 {
		t.Errorf("expected size 1, got %d", d.Size())
	}
}

func TestDenseSetIdempotent(t *testing.T) {
	d := NewDense()
	d.Set(100)
	d.Set(100)
	if d.Size() != 1 {
		t.Errorf("expected duplicate Set to leave size at 1, got %d", d.Size())
	}
}

func TestDenseGrowsAcrossWordBoundaries(t *testing.T) {
	d := NewDense()
	d.Set(0)
	d.Set(63)
	d.Set(64)
	d.Set(1000000)

	for _, id := range []int64{0, 63, 64, 1000000} {
		if !d.Get(id) {
			t.Errorf("expected id %d to be present", id)
		}
	}
	if d.Size() != 4 {
		t.Errorf("expected size 4, got %d", d.Size())
	}
}

func TestDenseNegativeIDsIgnored(t *testing.T) {
	d := NewDense()
	d.Set(-1)
	if d.Get(-1) {
		t.Error("expected negative id to never be present")
	}
	if d.Size() != 0 {
		t.Errorf("expected size 0 after setting a negative id, got %d", d.Size())
	}
}

func TestSmallSetGet(t *testing.T) {
	s := NewSmall()
	if s.Get(42) {
		t.Error("expected 42 to be absent before Set")
	}
	s.Set(42)
	if !s.Get(42) {
		t.Error("expected 42 to be present after Set")
	}
	if s.Size() != 1 {
		t.Errorf("expected size 1, got %d", s.Size())
	}
	if s.Get(-1) {
		t.Error("expected negative id to never be present")
	}
}

func TestValidIDsAccessors(t *testing.T) {
	v := NewValidIDs()
	v.Nodes().Set(1)
	v.Ways().Set(2)
	v.Relations().Set(3)

	if !v.Nodes().Get(1) || !v.Ways().Get(2) || !v.Relations().Get(3) {
		t.Error("expected each accessor to route to its own independent set")
	}
	if v.Nodes().Get(2) || v.Ways().Get(1) {
		t.Error("expected the three sets not to share state")
	}
}

func TestNoElevationAccessors(t *testing.T) {
	n := NewNoElevation()
	n.Nodes().Set(10)
	n.Ways().Set(20)

	if !n.Nodes().Get(10) {
		t.Error("expected node 10 to be flagged no-elevation")
	}
	if !n.Ways().Get(20) {
		t.Error("expected way 20 to be flagged no-elevation")
	}
	if n.Nodes().Get(20) {
		t.Error("expected node and way sets to be independent")
	}
}
