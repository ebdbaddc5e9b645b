package reconstruction

import (
	"errors"
	"fmt"

	"usrecon/pkg/transform"
)

var (
	// ErrMissingPose means a frame has no usable tracking pose. The frame is
	// skipped; reconstruction continues.
	ErrMissingPose = errors.New("frame has no valid pose")

	// ErrEmptyExtent means no frame contributed to the bounding box.
	ErrEmptyExtent = errors.New("no frame with a valid pose, output extent is empty")

	// ErrAllocation means the requested volume does not fit the memory budget.
	// Retry with a coarser output spacing.
	ErrAllocation = errors.New("cannot allocate output volume")

	// ErrTransformSingular means a frame's image-to-reference transform cannot
	// place pixels. The frame is skipped; reconstruction continues.
	ErrTransformSingular = transform.ErrSingular

	// ErrInvalidSpacing means an output spacing component is not strictly positive.
	ErrInvalidSpacing = errors.New("output spacing must be strictly positive")

	// ErrNoVolume means an operation needs an allocated output volume.
	ErrNoVolume = errors.New("output volume has not been allocated")
)

// FrameError ties a per-frame failure to the frame's sequence index.
type FrameError struct {
	Index int
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame #%d: %v", e.Index, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}
