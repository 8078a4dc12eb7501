package stack

import "testing"

func TestWindowBounds(t *testing.T) {
	for n := 1; n <= 40; n++ {
		for w := 2; w <= 12; w += 2 {
			for i := 0; i < n; i++ {
				start, end := Window(i, n, w)
				if start < 0 || start >= end || end > n {
					t.Fatalf("Window(%d, %d, %d) = [%d, %d) out of bounds", i, n, w, start, end)
				}
				if 2*i >= w && i <= n-w/2 && end-start != w {
					t.Fatalf("Window(%d, %d, %d) = [%d, %d), expected width %d", i, n, w, start, end, w)
				}
			}
		}
	}
}

func TestWindowBoundaryPolicy(t *testing.T) {
	cases := []struct {
		i, n, w    int
		start, end int
	}{
		{0, 20, 10, 0, 10},
		{4, 20, 10, 0, 10},
		{5, 20, 10, 0, 10},
		{12, 20, 10, 7, 17},
		{15, 20, 10, 10, 20},
		// past the end the window is pinned to n-1 and spans w+1 frames
		{16, 20, 10, 8, 19},
		{19, 20, 10, 8, 19},
		// odd window: half-width rounds up, centred windows span w+1 frames
		{2, 20, 5, 0, 5},
		{3, 20, 5, 0, 6},
		{10, 20, 5, 7, 13},
		{18, 20, 5, 13, 19},
		// short sequences
		{0, 4, 10, 0, 3},
		{3, 4, 10, 0, 3},
		{0, 1, 10, 0, 1},
	}
	for _, tc := range cases {
		start, end := Window(tc.i, tc.n, tc.w)
		if start != tc.start || end != tc.end {
			t.Fatalf("Window(%d, %d, %d): expected [%d, %d), got [%d, %d)", tc.i, tc.n, tc.w, tc.start, tc.end, start, end)
		}
	}
}
