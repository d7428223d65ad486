package store

import "testing"

func TestPairKeyOrderInsensitive(t *testing.T) {
	a := PairKey([]string{"alice", "bob"})
	b := PairKey([]string{"bob", "alice"})
	if a != b {
		t.Fatalf("key depends on participant order: %q vs %q", a, b)
	}
}

func TestPairKeyIsInjective(t *testing.T) {
	// User ids are opaque JWT subjects and may contain the separator byte.
	cases := []struct {
		name  string
		left  []string
		right []string
	}{
		{"separator inside id", []string{"x", "y:z"}, []string{"x:y", "z"}},
		{"escape char inside id", []string{"x%3Ay", "z"}, []string{"x:y", "z"}},
		{"shifted boundary", []string{"ab", "c"}, []string{"a", "bc"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, r := PairKey(tc.left), PairKey(tc.right)
			if l == r {
				t.Fatalf("distinct pairs %v and %v share key %q", tc.left, tc.right, l)
			}
		})
	}
}
