package vision

// Point is a sub-pixel image coordinate.
type Point struct {
	X, Y float64
}

// Keypoint is a scale-invariant feature location.
type Keypoint struct {
	X, Y     float64
	Sigma    float64 // blur scale in input image pixels
	Angle    float64 // dominant gradient orientation, radians in [0, 2π)
	Response float64
	Octave   int
}

// Pt returns the keypoint location as a Point.
func (k Keypoint) Pt() Point {
	return Point{X: k.X, Y: k.Y}
}

// KeypointSet holds the features of one image. Keypoints[i] is described by
// Descriptors[i]. A set is never modified after extraction, so a single set
// may be read from many goroutines.
type KeypointSet struct {
	Keypoints   []Keypoint
	Descriptors [][]float32
}

// Len returns the number of keypoints; a nil set is empty.
func (s *KeypointSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Keypoints)
}

// Correspondence pairs a reference keypoint with a keypoint in the moving image.
type Correspondence struct {
	RefIdx     int
	MovIdx     int
	Distance   float64
	Confidence float64 // 1 - best/second, larger is less ambiguous
}

// Points splits correspondences into source (moving) and destination
// (reference) coordinates.
func Points(ref, mov *KeypointSet, matches []Correspondence) (src, dst []Point) {
	src = make([]Point, len(matches))
	dst = make([]Point, len(matches))
	for i, m := range matches {
		src[i] = mov.Keypoints[m.MovIdx].Pt()
		dst[i] = ref.Keypoints[m.RefIdx].Pt()
	}
	return src, dst
}
