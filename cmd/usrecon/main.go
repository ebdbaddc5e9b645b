package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"usrecon/pkg/config"
	"usrecon/pkg/metaimage"
	"usrecon/pkg/reconstruction"
	"usrecon/pkg/report"
	"usrecon/pkg/visualization"
)

func main() {
	// Parse command line arguments
	inputSeq := flag.String("input-img-seq-file-name", "", "Tracked image sequence metafile (.mha)")
	configPath := flag.String("input-config-file-name", "", "YAML configuration file with calibration and reconstruction settings")
	outputVolume := flag.String("output-volume-file-name", "volume.mha", "Output volume file (.mha)")
	outputFrame := flag.String("output-frame-file-name", "", "If set, every frame is also exported individually with its pose in the reference coordinate system (frame index is inserted before the extension)")
	spacing := flag.Float64("spacing", 0, "Isotropic output spacing in mm (overrides config)")
	policy := flag.String("compounding", "", "Compounding policy: last, max or mean (overrides config)")
	fillHoles := flag.Bool("fill-holes", false, "Fill voxels that received no slice sample")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: config value)")
	slicesDir := flag.String("slices-dir", "", "Directory to save TIFF slices of the volume along all axes")
	reportFile := flag.String("report", "", "PNG file for the per-frame insertion plot")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	writeConfig := flag.String("write-default-config", "", "Write a default configuration file to this path and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return
	}

	// Validate inputs
	if *inputSeq == "" || *configPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	applyFlags(cfg, *spacing, *policy, *fillHoles, *numCores, *slicesDir, *reportFile, *verbose)

	params, err := cfg.Params()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("================================")
	fmt.Println("VOLUME RECONSTRUCTION FROM TRACKED 2D SLICES")
	fmt.Println("================================")

	logger.Info("reading image sequence", "file", *inputSeq)
	seq, err := metaimage.ReadSequenceFile(*inputSeq)
	if err != nil {
		log.Fatalf("Failed to read image sequence: %v", err)
	}
	logger.Debug("image to tool (probe calibration) transform", "matrix", params.ImageToTool.String())

	reconstructor := reconstruction.NewReconstructor(params, logger)
	startTime := time.Now()

	if _, err := reconstructor.SetOutputExtentFromFrames(ctx, seq); err != nil {
		if errors.Is(err, reconstruction.ErrAllocation) {
			log.Fatalf("Reconstruction failed: %v (try a larger -spacing)", err)
		}
		log.Fatalf("Reconstruction failed: %v", err)
	}

	if *outputFrame != "" {
		exportFrames(reconstructor, seq, *outputFrame, logger)
	}

	summary, err := reconstructor.AddFrames(ctx, seq)
	if err != nil {
		log.Fatalf("Reconstruction failed: %v", err)
	}
	if params.FillHoles && !summary.Canceled {
		if _, err := reconstructor.FillHoles(); err != nil {
			log.Fatalf("Hole filling failed: %v", err)
		}
	}

	volume, err := reconstructor.GetReconstructedVolume()
	if err != nil {
		log.Fatalf("Failed to extract volume: %v", err)
	}
	if err := metaimage.WriteVolumeFile(*outputVolume, volume); err != nil {
		log.Fatalf("Failed to save volume: %v", err)
	}
	processingTime := time.Since(startTime)

	stats := reconstructor.GetStats()
	nx, ny, nz := volume.Dims()
	fmt.Printf("\nReconstruction completed in %.2f seconds (session %s)\n", processingTime.Seconds(), reconstructor.SessionID())
	if summary.Canceled {
		fmt.Println("Insertion was interrupted; the saved volume is partial.")
	}
	fmt.Printf("Output volume saved to: %s\n\n", *outputVolume)

	fmt.Printf("Frames:\n")
	fmt.Printf("=======\n")
	fmt.Printf("Inserted: %d of %d\n", summary.Inserted, seq.Len())
	fmt.Printf("Skipped (no pose): %d\n", summary.SkippedMissingPose)
	fmt.Printf("Skipped (singular transform): %d\n", summary.SkippedSingular)
	fmt.Printf("Pixels inserted / discarded: %d / %d\n", summary.PixelsInserted, summary.PixelsDiscarded)

	fmt.Printf("\nVolume:\n")
	fmt.Printf("=======\n")
	fmt.Printf("Dimensions: %d x %d x %d voxels\n", nx, ny, nz)
	fmt.Printf("Spacing: %.3f %.3f %.3f mm\n", volume.Spacing.X, volume.Spacing.Y, volume.Spacing.Z)
	fmt.Printf("Origin: %.3f %.3f %.3f mm\n", volume.Origin.X, volume.Origin.Y, volume.Origin.Z)
	fmt.Printf("Coverage: %.2f%% (%d sampled, %d filled, %d holes)\n",
		stats.Coverage*100, stats.Sampled, stats.Filled, stats.Holes)
	fmt.Printf("Intensity mean %.3f, std %.3f, median %.3f, range [%.3f, %.3f]\n",
		stats.Mean, stats.StdDev, stats.Median, stats.Min, stats.Max)

	// Extract and save slices if requested
	if cfg.Output.SliceDir != "" {
		fmt.Println("\nExtracting slices along all axes...")
		viewer := visualization.NewViewer(volume)
		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(cfg.Output.SliceDir, axis)
			fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)
			if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
				log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
			}
		}
	}

	if cfg.Output.ReportFile != "" {
		title := fmt.Sprintf("Slice insertion (%s compounding)", params.Policy)
		if err := report.WriteInsertionPlot(cfg.Output.ReportFile, title, reconstructor.Records()); err != nil {
			log.Printf("Warning: Failed to write insertion report: %v", err)
		} else {
			fmt.Printf("Insertion report saved to: %s\n", cfg.Output.ReportFile)
		}
	}
}

// applyFlags lets explicit command line values override the configuration.
func applyFlags(cfg *config.Config, spacing float64, policy string, fillHoles bool, numCores int, slicesDir, reportFile string, verbose bool) {
	if spacing > 0 {
		cfg.Reconstruction.OutputSpacing = []float64{spacing, spacing, spacing}
	}
	if policy != "" {
		cfg.Reconstruction.Compounding = policy
	}
	if fillHoles {
		cfg.Reconstruction.FillHoles = true
	}
	if numCores > 0 {
		cfg.Reconstruction.NumCores = numCores
	}
	if slicesDir != "" {
		cfg.Output.SliceDir = slicesDir
	}
	if reportFile != "" {
		cfg.Output.ReportFile = reportFile
	}
	if verbose {
		cfg.Output.Verbose = true
	}
}
