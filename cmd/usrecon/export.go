package main

import (
	"log/slog"

	"usrecon/pkg/metaimage"
	"usrecon/pkg/reconstruction"
)

// exportFrames writes every frame with its resolved image-to-reference pose.
// It only reads the reconstructor's calibration and never touches the volume.
func exportFrames(r *reconstruction.Reconstructor, src reconstruction.FrameSource, base string, logger *slog.Logger) {
	for i := 0; i < src.Len(); i++ {
		frame, err := src.Frame(i)
		if err != nil {
			logger.Error("unable to read frame for export", "frame", i, "error", err)
			continue
		}
		m, err := r.ImageToReference(frame)
		if err != nil {
			logger.Warn("unable to get image to reference transform", "frame", i, "error", err)
			continue
		}
		logger.Debug("image to reference transform", "frame", i, "matrix", m.String())

		path := metaimage.FrameFileName(base, i)
		if err := metaimage.WriteFrameFile(path, frame.Image, m); err != nil {
			logger.Error("unable to export frame", "frame", i, "file", path, "error", err)
		}
	}
}
