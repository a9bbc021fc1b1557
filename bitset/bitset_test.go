package bitset

import "testing"

func TestAddContainsRemove(t *testing.T) {
	s := New()
	for _, id := range []int{0, 1, 63, 64, 65, 200} {
		s.Add(id)
	}
	for _, id := range []int{0, 1, 63, 64, 65, 200} {
		if !s.Contains(id) {
			t.Errorf("expected %d to be contained", id)
		}
	}
	if s.Contains(2) {
		t.Errorf("did not expect 2 to be contained")
	}
	s.Remove(64)
	if s.Contains(64) {
		t.Errorf("expected 64 to be removed")
	}
	if got, want := s.Count(), 5; got != want {
		t.Errorf("Count() = %d, want %d", got, want)
	}
}

func TestEachAscending(t *testing.T) {
	s := New()
	ids := []int{200, 1, 64, 0, 65, 63}
	for _, id := range ids {
		s.Add(id)
	}
	var got []int
	s.Each(func(id int) { got = append(got, id) })
	want := []int{0, 1, 63, 64, 65, 200}
	if len(got) != len(want) {
		t.Fatalf("Each produced %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Each()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestCopyIsIndependent(t *testing.T) {
	s := New()
	s.Add(5)
	c := s.Copy()
	c.Add(6)
	if s.Contains(6) {
		t.Errorf("mutating the copy must not affect the original")
	}
}

func TestUnionAndSubtract(t *testing.T) {
	a := New()
	a.Add(0)
	a.Add(1)
	b := New()
	b.Add(1)
	b.Add(2)
	a.Union(b)
	for _, id := range []int{0, 1, 2} {
		if !a.Contains(id) {
			t.Errorf("union missing %d", id)
		}
	}
	a.Subtract(b)
	if !a.Contains(0) || a.Contains(1) || a.Contains(2) {
		t.Errorf("subtract left wrong members: %v", a.IDs())
	}
}

func TestHashStableAndOrderIndependent(t *testing.T) {
	a := New()
	a.Add(1)
	a.Add(300)
	b := New()
	b.Add(300)
	b.Add(1)
	if a.Hash() != b.Hash() {
		t.Errorf("hash should not depend on insertion order")
	}
	c := New()
	c.Add(1)
	if a.Hash() == c.Hash() {
		t.Errorf("distinct sets hashed equal")
	}
}

func TestHashIgnoresTrailingCapacity(t *testing.T) {
	a := New()
	a.Add(0)
	b := New()
	b.growTo(10)
	b.Add(0)
	if a.Hash() != b.Hash() {
		t.Errorf("hash should ignore trailing all-zero capacity")
	}
}

func TestIntersects(t *testing.T) {
	a := New()
	a.Add(5)
	b := New()
	b.Add(6)
	if a.Intersects(b) {
		t.Errorf("disjoint sets must not intersect")
	}
	b.Add(5)
	if !a.Intersects(b) {
		t.Errorf("expected intersection on shared member 5")
	}
}
