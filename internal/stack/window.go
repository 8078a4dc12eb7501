package stack

// DefaultWindow is the number of neighbouring frames feeding one background.
const DefaultWindow = 10

// Window returns the half-open range [start, end) of frames whose per-pixel
// median forms the background of frame i in a sequence of n frames.
//
// Early frames use the first w frames. Elsewhere the window is centred on i
// with half-width ceil(w/2). Past the end of the sequence the window is
// pinned to end at n-1 and reaches w+1 frames back, which deliberately
// leaves out the last frame. A single-frame sequence uses that frame.
func Window(i, n, w int) (start, end int) {
	half := (w + 1) / 2
	if 2*i < w {
		start, end = 0, w
	} else {
		start, end = i-half, i+half
	}
	if end > n {
		end = n - 1
		start = end - w - 1
	}
	if start < 0 {
		start = 0
	}
	if end <= start {
		end = start + 1
	}
	return start, end
}
