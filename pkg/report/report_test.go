package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usrecon/pkg/reconstruction"
)

func testRecords() []reconstruction.FrameRecord {
	return []reconstruction.FrameRecord{
		{Index: 0, Inserted: 100, Discarded: 4},
		{Index: 1, Err: &reconstruction.FrameError{Index: 1, Err: reconstruction.ErrMissingPose}},
		{Index: 2, Inserted: 90, Discarded: 14},
	}
}

func TestSeries(t *testing.T) {
	inserted, discarded, skipped := Series(testRecords())

	require.Len(t, inserted, 2)
	require.Len(t, discarded, 2)
	require.Len(t, skipped, 1)
	assert.Equal(t, 2.0, inserted[1].X)
	assert.Equal(t, 90.0, inserted[1].Y)
	assert.Equal(t, 14.0, discarded[1].Y)
	assert.Equal(t, 1.0, skipped[0].X)
}

func TestWriteInsertionPlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report", "insertion.png")

	require.NoError(t, WriteInsertionPlot(path, "test", testRecords()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestWriteInsertionPlotOnlySkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skipped.png")
	records := []reconstruction.FrameRecord{
		{Index: 0, Err: reconstruction.ErrMissingPose},
	}
	require.NoError(t, WriteInsertionPlot(path, "skipped", records))
}

func TestWriteInsertionPlotEmpty(t *testing.T) {
	err := WriteInsertionPlot(filepath.Join(t.TempDir(), "x.png"), "empty", nil)
	assert.Error(t, err)
}
