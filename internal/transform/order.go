package transform

import (
	"fmt"
	"sort"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/models"
)

// CanonicalFPS is the frame rate every assembled video is re-encoded to.
const CanonicalFPS = 30

// ConcatOrder returns beats sorted by Order after checking that orders are
// unique and contiguous from 1.
func ConcatOrder(beats []models.Beat) ([]models.Beat, error) {
	sorted := make([]models.Beat, len(beats))
	copy(sorted, beats)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	for i, b := range sorted {
		if b.Order != i+1 {
			return nil, apperr.Validation(fmt.Sprintf("beat orders must be contiguous from 1, found %d at position %d", b.Order, i+1), b.Order)
		}
	}
	return sorted, nil
}

// BeatParams derives the transform parameters stored on a beat.
func BeatParams(b *models.Beat, sourceDuration float64) Params {
	if sourceDuration <= 0 {
		sourceDuration = b.Video.Duration
	}
	return Params{
		TrimStart: b.Adjustments.TrimStart,
		TrimEnd:   b.Adjustments.TrimEnd,
		Speed:     b.Adjustments.Speed,
		Duration:  sourceDuration,
	}
}

// Dimensions maps an aspect ratio onto the output frame size.
func Dimensions(aspect string) (width, height int, err error) {
	switch aspect {
	case "", "9:16":
		return 1080, 1920, nil
	case "16:9":
		return 1920, 1080, nil
	case "1:1":
		return 1080, 1080, nil
	case "4:5":
		return 1080, 1350, nil
	}
	return 0, 0, apperr.Validation(fmt.Sprintf("unsupported aspect ratio %q", aspect))
}

// CropScaleFilter fills the target frame: scale up to cover, then center-crop.
func CropScaleFilter(aspect string) (string, error) {
	w, h, err := Dimensions(aspect)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1", w, h, w, h), nil
}
