package visualization

import (
	"fmt"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"testing"

	"occmesh/internal/models"
)

// gradientVolume fills the lattice with a value that depends on one axis
func gradientVolume(r int, axis int) *models.ProbabilityVolume {
	vol := models.NewProbabilityVolume(r, models.DefaultExtent)
	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			for k := 0; k < r; k++ {
				idx := [3]int{i, j, k}[axis]
				vol.Set(i, j, k, float64(idx)/float64(r))
			}
		}
	}
	return vol
}

// TestNewViewer verifies that a new viewer is created with the correct parameters
func TestNewViewer(t *testing.T) {
	vol := gradientVolume(4, 0)

	viewer := NewViewer(vol, 3)
	if viewer.volume != vol {
		t.Error("Viewer does not hold the given volume")
	}
	if viewer.scale != 3 {
		t.Errorf("Expected scale 3, got %d", viewer.scale)
	}

	// Non-positive scales fall back to 1
	if NewViewer(vol, 0).scale != 1 {
		t.Error("Expected scale 1 for a zero scale")
	}
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	r := 8

	// Each slice along the axis being cut has a unique value
	for axisIdx, axis := range []string{"x", "y", "z"} {
		viewer := NewViewer(gradientVolume(r, axisIdx), 1)

		for pos := 0; pos < r; pos++ {
			img, err := viewer.ExtractSlice(axis, pos)
			if err != nil {
				t.Fatalf("Failed to extract %s slice at position %d: %v", axis, pos, err)
			}

			bounds := img.Bounds()
			if bounds.Dx() != r || bounds.Dy() != r {
				t.Errorf("Expected %s slice dimensions %dx%d, got %dx%d",
					axis, r, r, bounds.Dx(), bounds.Dy())
			}

			expectedValue := uint16(float64(pos) / float64(r) * 65535)
			centerValue := img.Gray16At(r/2, r/2).Y
			if math.Abs(float64(centerValue)-float64(expectedValue)) > 1.0 {
				t.Errorf("Expected %s slice value ~%d at center, got %d",
					axis, expectedValue, centerValue)
			}
		}
	}

	// Rows and columns follow the remaining axes in order
	vol := models.NewProbabilityVolume(4, models.DefaultExtent)
	vol.Set(1, 2, 3, 1)
	viewer := NewViewer(vol, 1)
	for _, tc := range []struct {
		axis     string
		pos      int
		col, row int
	}{
		{"x", 1, 3, 2},
		{"y", 2, 3, 1},
		{"z", 3, 2, 1},
	} {
		img, err := viewer.ExtractSlice(tc.axis, tc.pos)
		if err != nil {
			t.Fatalf("Failed to extract %s slice: %v", tc.axis, err)
		}
		if img.Gray16At(tc.col, tc.row).Y != 65535 {
			t.Errorf("Expected the marked cell at (%d,%d) of the %s slice", tc.col, tc.row, tc.axis)
		}
		if Occupied(img, 0.5) != 1 {
			t.Errorf("Expected exactly one occupied cell in the %s slice", tc.axis)
		}
	}

	// Test invalid axis
	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}

	// Test out of bounds position
	if _, err := viewer.ExtractSlice("z", 4); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

// TestExtractSliceNaN verifies that NaN cells render black
func TestExtractSliceNaN(t *testing.T) {
	vol := models.NewProbabilityVolume(3, models.DefaultExtent)
	for i := range vol.Data {
		vol.Data[i] = math.NaN()
	}
	img, err := NewViewer(vol, 1).ExtractSlice("y", 1)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	for _, p := range img.Pix {
		if p != 0 {
			t.Fatal("Expected NaN cells to render as zero")
		}
	}
}

// TestSaveSlice verifies that slices can be saved to disk and are enlarged
func TestSaveSlice(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	vol := models.NewProbabilityVolume(6, models.DefaultExtent)
	for i := range vol.Data {
		vol.Data[i] = 0.5 // Mid-gray
	}
	viewer := NewViewer(vol, 4)

	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	filename := filepath.Join(t.TempDir(), "test_slice.jpg")
	if err := viewer.SaveSlice(img, filename); err != nil {
		t.Fatalf("Failed to save slice: %v", err)
	}

	f, err := os.Open(filename)
	if err != nil {
		t.Fatalf("Saved file does not exist: %s", filename)
	}
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	if err != nil {
		t.Fatalf("Saved file is not a JPEG: %v", err)
	}
	if cfg.Width != 24 || cfg.Height != 24 {
		t.Errorf("Expected a 24x24 image, got %dx%d", cfg.Width, cfg.Height)
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	r := 3
	viewer := NewViewer(gradientVolume(r, 2), 1)

	outputDir := filepath.Join(t.TempDir(), "slices")
	occupied, err := viewer.SaveSliceSequence("z", outputDir, 0.5)
	if err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	// Slice z holds z/3 everywhere, so only the last one is above 0.5.
	want := []int{0, 0, r * r}
	for z, n := range occupied {
		if n != want[z] {
			t.Errorf("Expected %d occupied cells in slice %d, got %d", want[z], z, n)
		}
	}

	for z := 0; z < r; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.jpg", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if _, err := viewer.SaveSliceSequence("invalid", outputDir, 0.5); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
