package vision

import (
	"errors"
	"fmt"
)

// ErrEmptyImage is returned when an image has no pixels.
var ErrEmptyImage = errors.New("vision: empty image")

// MinCorrespondences is the smallest sample a homography can be fitted from.
const MinCorrespondences = 4

// InsufficientFeaturesError reports an image with too few keypoints.
type InsufficientFeaturesError struct {
	Have int
	Need int
}

func (e *InsufficientFeaturesError) Error() string {
	return fmt.Sprintf("insufficient features: found %d keypoints, need %d", e.Have, e.Need)
}

// InsufficientCorrespondencesError reports that too few matches survived the
// ratio test to estimate a homography.
type InsufficientCorrespondencesError struct {
	Have int
	Need int
}

func (e *InsufficientCorrespondencesError) Error() string {
	return fmt.Sprintf("insufficient correspondences: have %d, need %d", e.Have, e.Need)
}

// DegenerateHomographyError reports a transform that cannot be used for warping.
type DegenerateHomographyError struct {
	Reason string
}

func (e *DegenerateHomographyError) Error() string {
	return "degenerate homography: " + e.Reason
}
