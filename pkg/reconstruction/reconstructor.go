// Package reconstruction compounds tracked 2D slices into a 3D volume.
//
// A session runs in four steps:
//  1. estimate the output extent from the transformed corners of every slice
//  2. allocate the two-channel output grid (intensity + contribution count)
//  3. insert each slice under a single compounding policy
//  4. optionally fill voxels that received no sample, then extract the
//     intensity channel
package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"usrecon/internal/models"
	"usrecon/pkg/transform"
)

// Params holds the reconstruction parameters of a session.
type Params struct {
	// ImageToTool is the probe calibration: image pixels to tracked tool
	ImageToTool transform.Matrix4

	// OutputSpacing is the voxel size of the output volume along x, y and z
	OutputSpacing r3.Vec

	// Policy resolves overlapping samples
	Policy Policy

	// FillHoles runs the hole-filling pass after all insertions
	FillHoles bool

	// HoleFill configures the hole-filling pass
	HoleFill HoleFillOptions

	// MaxMemoryBytes caps the output grid size; 0 uses DefaultMaxBytes
	MaxMemoryBytes int64

	// NumCores bounds parallel work; 0 uses all CPUs
	NumCores int
}

// FrameRecord is the insertion outcome of one frame.
type FrameRecord struct {
	Index     int
	Inserted  int
	Discarded int
	Err       error
}

// InsertSummary counts the outcome of a bulk insertion. Every skipped frame
// is counted and its error kept in Errors.
type InsertSummary struct {
	Frames             int
	Inserted           int
	SkippedMissingPose int
	SkippedSingular    int
	Failed             int
	PixelsInserted     int
	PixelsDiscarded    int
	Canceled           bool
	Errors             []error
}

func (s *InsertSummary) add(rec FrameRecord) {
	s.Frames++
	s.PixelsInserted += rec.Inserted
	s.PixelsDiscarded += rec.Discarded
	switch {
	case rec.Err == nil:
		s.Inserted++
		return
	case errors.Is(rec.Err, ErrMissingPose):
		s.SkippedMissingPose++
	case errors.Is(rec.Err, ErrTransformSingular):
		s.SkippedSingular++
	default:
		s.Failed++
	}
	s.Errors = append(s.Errors, rec.Err)
}

// Reconstructor owns the output volume of one reconstruction session.
type Reconstructor struct {
	params  *Params
	logger  *slog.Logger
	session string

	volume  *Volume
	extent  ExtentReport
	records []FrameRecord
}

// NewReconstructor creates a session with the given parameters. A nil
// logger discards log output.
func NewReconstructor(params *Params, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	session := uuid.NewString()
	return &Reconstructor{
		params:  params,
		logger:  logger.With("session", session),
		session: session,
	}
}

// SessionID returns the unique id of this session.
func (r *Reconstructor) SessionID() string {
	return r.session
}

// Params returns the session parameters.
func (r *Reconstructor) Params() *Params {
	return r.params
}

func (r *Reconstructor) workers() int {
	if r.params.NumCores > 0 {
		return r.params.NumCores
	}
	return runtime.NumCPU()
}

// ImageToReference resolves a frame's pose:
// ImageToReference = ToolToReference * ImageToTool.
// It does not touch the output volume.
func (r *Reconstructor) ImageToReference(frame *models.TrackedFrame) (transform.Matrix4, error) {
	if !frame.HasPose() {
		return transform.Matrix4{}, ErrMissingPose
	}
	return transform.Compose(*frame.ToolToReference, r.params.ImageToTool), nil
}

// SetOutputExtentFromFrames sizes the output volume to enclose every frame
// with a valid pose and resets it. Empty extents and allocation failures
// abort the session.
func (r *Reconstructor) SetOutputExtentFromFrames(ctx context.Context, src FrameSource) (Geometry, error) {
	geom, report, err := EstimateExtent(ctx, src, r.params.ImageToTool, r.params.OutputSpacing, r.workers())
	r.extent = report
	for _, skipped := range report.Skipped {
		r.logger.Warn("frame ignored for extent", "error", skipped)
	}
	if err != nil {
		return Geometry{}, fmt.Errorf("estimating output extent: %w", err)
	}

	nx, ny, nz := geom.Extent.Dims()
	r.logger.Info("output extent computed",
		"frames", report.FramesUsed,
		"skipped", len(report.Skipped),
		"extent", geom.Extent,
		"dims", []int{nx, ny, nz},
		"origin", []float64{geom.Origin.X, geom.Origin.Y, geom.Origin.Z})

	if r.volume == nil {
		r.volume, err = NewVolume(geom, r.params.MaxMemoryBytes)
	} else {
		err = r.volume.Reset(geom, r.params.MaxMemoryBytes)
	}
	if err != nil {
		r.volume = nil
		r.logger.Error("failed to initialize output volume", "error", err)
		return Geometry{}, fmt.Errorf("initializing output volume: %w", err)
	}
	r.records = r.records[:0]
	return geom, nil
}

// ExtentReport returns the report of the last extent estimation.
func (r *Reconstructor) ExtentReport() ExtentReport {
	return r.extent
}

// Volume returns the two-channel output volume, or nil before
// SetOutputExtentFromFrames succeeds.
func (r *Reconstructor) Volume() *Volume {
	return r.volume
}

// AddTrackedFrame inserts one frame. Missing poses and singular transforms
// are returned as *FrameError and leave the volume untouched.
func (r *Reconstructor) AddTrackedFrame(frame *models.TrackedFrame) (SliceStats, error) {
	rec := r.insert(len(r.records), frame, false)
	r.records = append(r.records, rec)
	return SliceStats{Inserted: rec.Inserted, Discarded: rec.Discarded}, rec.Err
}

// insert places one frame. seq is the frame's position in its source and
// identifies frames that are nil.
func (r *Reconstructor) insert(seq int, frame *models.TrackedFrame, locked bool) FrameRecord {
	if frame == nil {
		return FrameRecord{Index: seq, Err: &FrameError{Index: seq, Err: ErrMissingPose}}
	}
	rec := FrameRecord{Index: frame.Index}
	if r.volume == nil {
		rec.Err = &FrameError{Index: frame.Index, Err: ErrNoVolume}
		return rec
	}
	m, err := r.ImageToReference(frame)
	if err != nil {
		rec.Err = &FrameError{Index: frame.Index, Err: err}
		return rec
	}

	var stats SliceStats
	if locked {
		stats, err = r.volume.InsertSliceLocked(frame.Image, m, r.params.Policy)
	} else {
		stats, err = r.volume.InsertSlice(frame.Image, m, r.params.Policy)
	}
	rec.Inserted, rec.Discarded = stats.Inserted, stats.Discarded
	if err != nil {
		rec.Err = &FrameError{Index: frame.Index, Err: err}
	}
	return rec
}

// AddFrames inserts every frame of src. Per-frame errors are logged, counted
// and skipped. Order-dependent policies insert strictly in sequence order;
// commutative policies use NumCores workers. Cancelling ctx stops issuing
// insertions; the volume stays valid and extractable.
func (r *Reconstructor) AddFrames(ctx context.Context, src FrameSource) (InsertSummary, error) {
	var summary InsertSummary
	if r.volume == nil {
		return summary, ErrNoVolume
	}

	var err error
	if r.params.Policy.Commutative() && r.workers() > 1 {
		err = r.addFramesParallel(ctx, src, &summary)
	} else {
		err = r.addFramesSequential(ctx, src, &summary)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		summary.Canceled = true
		r.logger.Warn("insertion canceled", "frames", summary.Frames, "total", src.Len())
		return summary, nil
	}

	r.logger.Info("frames inserted",
		"inserted", summary.Inserted,
		"missing_pose", summary.SkippedMissingPose,
		"singular", summary.SkippedSingular,
		"failed", summary.Failed,
		"pixels", summary.PixelsInserted,
		"discarded", summary.PixelsDiscarded)
	return summary, err
}

func (r *Reconstructor) record(rec FrameRecord, summary *InsertSummary) {
	r.records = append(r.records, rec)
	summary.add(rec)
	if rec.Err != nil {
		r.logger.Warn("frame skipped", "frame", rec.Index, "error", rec.Err)
		return
	}
	r.logger.Debug("frame inserted", "frame", rec.Index, "pixels", rec.Inserted, "discarded", rec.Discarded)
}

func (r *Reconstructor) addFramesSequential(ctx context.Context, src FrameSource, summary *InsertSummary) error {
	for i := 0; i < src.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := src.Frame(i)
		if err != nil {
			return fmt.Errorf("reading frame #%d: %w", i, err)
		}
		r.record(r.insert(i, frame, false), summary)
	}
	return nil
}

// addFramesParallel fans frames out to a fixed pool of goroutines and
// collects the records through a channel. Records are stored in sequence
// order once all workers finish.
func (r *Reconstructor) addFramesParallel(ctx context.Context, src FrameSource, summary *InsertSummary) error {
	type job struct {
		seq   int
		frame *models.TrackedFrame
	}
	type result struct {
		seq int
		rec FrameRecord
	}

	jobs := make(chan job)
	results := make(chan result)

	var wg sync.WaitGroup
	for w := 0; w < r.workers(); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- result{seq: j.seq, rec: r.insert(j.seq, j.frame, true)}
			}
		}()
	}

	var feedErr error
	go func() {
		defer close(jobs)
		for i := 0; i < src.Len(); i++ {
			if err := ctx.Err(); err != nil {
				feedErr = err
				return
			}
			frame, err := src.Frame(i)
			if err != nil {
				feedErr = fmt.Errorf("reading frame #%d: %w", i, err)
				return
			}
			jobs <- job{seq: i, frame: frame}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var collected []result
	for res := range results {
		collected = append(collected, res)
	}

	recs := make([]FrameRecord, src.Len())
	seen := make([]bool, src.Len())
	for _, res := range collected {
		recs[res.seq] = res.rec
		seen[res.seq] = true
	}
	for i := range recs {
		if seen[i] {
			r.record(recs[i], summary)
		}
	}
	return feedErr
}

// FillHoles runs the hole-filling pass with the session options.
func (r *Reconstructor) FillHoles() (HoleFillStats, error) {
	if r.volume == nil {
		return HoleFillStats{}, ErrNoVolume
	}
	opts := r.params.HoleFill
	if opts.Workers == 0 {
		opts.Workers = r.workers()
	}
	stats, err := r.volume.FillHoles(opts)
	if err != nil {
		return stats, fmt.Errorf("filling holes: %w", err)
	}
	r.logger.Info("holes filled", "passes", stats.Passes, "filled", stats.Filled, "remaining", stats.Remaining)
	return stats, nil
}

// GetReconstructedVolume returns the intensity channel of the output volume.
func (r *Reconstructor) GetReconstructedVolume() (models.Volume, error) {
	if r.volume == nil {
		return models.Volume{}, ErrNoVolume
	}
	return r.volume.Extract()
}

// Records returns the per-frame insertion outcomes in insertion order.
func (r *Reconstructor) Records() []FrameRecord {
	return r.records
}

// GetStats returns coverage and intensity statistics of the output volume.
func (r *Reconstructor) GetStats() VolumeStats {
	if r.volume == nil {
		return VolumeStats{}
	}
	return r.volume.Stats()
}

// Process runs the complete pipeline on src: extent, allocation, insertion,
// optional hole filling and extraction.
func (r *Reconstructor) Process(ctx context.Context, src FrameSource) (models.Volume, InsertSummary, error) {
	if _, err := r.SetOutputExtentFromFrames(ctx, src); err != nil {
		return models.Volume{}, InsertSummary{}, err
	}
	summary, err := r.AddFrames(ctx, src)
	if err != nil {
		return models.Volume{}, summary, err
	}
	if r.params.FillHoles && !summary.Canceled {
		if _, err := r.FillHoles(); err != nil {
			return models.Volume{}, summary, err
		}
	}
	vol, err := r.GetReconstructedVolume()
	return vol, summary, err
}
