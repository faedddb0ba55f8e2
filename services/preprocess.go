package services

import (
	"image"
	"image/color"

	"duel-arena-system/models"

	xdraw "golang.org/x/image/draw"
)

// Preprocessing step names as configured in OCRSettings.Preprocessing.
const (
	StepContrast     = "contrast"
	StepDenoise      = "denoise"
	StepNormalize    = "normalize"
	StepSharpen      = "sharpen"
	StepBrighten     = "brighten"
	StepCropGameArea = "crop_game_area"
)

// ApplyPreprocessing runs the configuration's ordered step list. Every step
// is a pure image→image transform; an unknown step name fails the whole
// stage with PREPROCESSING_FAILED.
func ApplyPreprocessing(src image.Image, set *models.OCRSettings) (*image.RGBA, error) {
	img := toRGBA(src)
	for _, step := range set.Preprocessing {
		var err error
		switch step {
		case StepContrast:
			img = adjustContrast(img, 1.2)
		case StepDenoise:
			img = boxBlur(img)
		case StepNormalize:
			img = normalizeSize(img, set.TargetWidth, set.TargetHeight)
		case StepSharpen:
			img = sharpen(img)
		case StepBrighten:
			img = adjustBrightness(img, 12)
		case StepCropGameArea:
			img, err = cropGameArea(img, set.GameArea)
		default:
			return nil, verificationError(ErrCodePreprocessingFailed, "unknown preprocessing step %q", step)
		}
		if err != nil {
			return nil, err
		}
	}
	return img, nil
}

func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Copy(dst, image.Point{}, src, b, xdraw.Src, nil)
	return dst
}

// adjustContrast stretches channel values around the midpoint.
func adjustContrast(img *image.RGBA, factor float64) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	mapPixels(img, out, func(c color.RGBA) color.RGBA {
		c.R = clampChannel((float64(c.R)-128)*factor + 128)
		c.G = clampChannel((float64(c.G)-128)*factor + 128)
		c.B = clampChannel((float64(c.B)-128)*factor + 128)
		return c
	})
	return out
}

func adjustBrightness(img *image.RGBA, delta int) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	mapPixels(img, out, func(c color.RGBA) color.RGBA {
		c.R = clampChannel(float64(int(c.R) + delta))
		c.G = clampChannel(float64(int(c.G) + delta))
		c.B = clampChannel(float64(int(c.B) + delta))
		return c
	})
	return out
}

// boxBlur is a 3x3 mean filter — cheap noise removal ahead of recognition.
func boxBlur(img *image.RGBA) *image.RGBA {
	return convolve3x3(img, [9]float64{
		1.0 / 9, 1.0 / 9, 1.0 / 9,
		1.0 / 9, 1.0 / 9, 1.0 / 9,
		1.0 / 9, 1.0 / 9, 1.0 / 9,
	})
}

func sharpen(img *image.RGBA) *image.RGBA {
	return convolve3x3(img, [9]float64{
		0, -1, 0,
		-1, 5, -1,
		0, -1, 0,
	})
}

// normalizeSize scales the screenshot to the configured working resolution
// so region rectangles land where the rule set expects them.
func normalizeSize(img *image.RGBA, width, height int) *image.RGBA {
	if width <= 0 || height <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

func cropGameArea(img *image.RGBA, area *models.Rect) (*image.RGBA, error) {
	if area == nil {
		return img, nil
	}
	cropped, err := cropRegion(img, *area)
	if err != nil {
		return nil, verificationError(ErrCodePreprocessingFailed, "game area crop failed: %v", err)
	}
	return cropped, nil
}

// cropRegion extracts the normalized rectangle as a standalone image.
func cropRegion(img *image.RGBA, r models.Rect) (*image.RGBA, error) {
	b := img.Bounds()
	x0 := b.Min.X + int(r.X*float64(b.Dx()))
	y0 := b.Min.Y + int(r.Y*float64(b.Dy()))
	x1 := x0 + int(r.W*float64(b.Dx()))
	y1 := y0 + int(r.H*float64(b.Dy()))
	rect := image.Rect(x0, y0, x1, y1).Intersect(b)
	if rect.Empty() {
		return nil, verificationError(ErrCodeInvalidImageData, "region %+v outside image bounds", r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	xdraw.Copy(dst, image.Point{}, img, rect, xdraw.Src, nil)
	return dst, nil
}

func convolve3x3(img *image.RGBA, kernel [9]float64) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var r, g, bl float64
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					sx, sy := clampInt(x+kx, b.Min.X, b.Max.X-1), clampInt(y+ky, b.Min.Y, b.Max.Y-1)
					c := img.RGBAAt(sx, sy)
					w := kernel[(ky+1)*3+(kx+1)]
					r += float64(c.R) * w
					g += float64(c.G) * w
					bl += float64(c.B) * w
				}
			}
			out.SetRGBA(x, y, color.RGBA{
				R: clampChannel(r),
				G: clampChannel(g),
				B: clampChannel(bl),
				A: img.RGBAAt(x, y).A,
			})
		}
	}
	return out
}

func mapPixels(src, dst *image.RGBA, fn func(color.RGBA) color.RGBA) {
	b := src.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.SetRGBA(x, y, fn(src.RGBAAt(x, y)))
		}
	}
}

func clampChannel(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
