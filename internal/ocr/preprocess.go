package ocr

import (
	"bytes"
	"image"
	"image/draw"
	"image/png"
	"slices"

	"github.com/nfnt/resize"
)

// DefaultRegion is the top-right overlay where speedrun timers usually sit,
// as left, top, right, bottom fractions of the frame.
var DefaultRegion = Region{0.75, 0.02, 0.98, 0.08}

const (
	DefaultScale     = 3
	DefaultThreshold = 180
)

// Region is a crop rectangle in frame fractions.
type Region [4]float64

// Rect maps the region onto bounds.
func (r Region) Rect(bounds image.Rectangle) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	return image.Rect(
		bounds.Min.X+int(float64(w)*r[0]),
		bounds.Min.Y+int(float64(h)*r[1]),
		bounds.Min.X+int(float64(w)*r[2]),
		bounds.Min.Y+int(float64(h)*r[3]),
	).Intersect(bounds)
}

// PreprocessOptions controls the timer crop pipeline.
type PreprocessOptions struct {
	Region    Region
	Scale     int
	Threshold uint8
}

func (o PreprocessOptions) withDefaults() PreprocessOptions {
	if o.Region == (Region{}) {
		o.Region = DefaultRegion
	}
	if o.Scale <= 0 {
		o.Scale = DefaultScale
	}
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	return o
}

// Preprocess crops the timer region and turns it into a clean black and white
// image: grayscale, Lanczos upscale, binary threshold, 3x3 median.
func Preprocess(img image.Image, opts PreprocessOptions) *image.Gray {
	opts = opts.withDefaults()

	rect := opts.Region.Rect(img.Bounds())
	gray := image.NewGray(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(gray, gray.Bounds(), img, rect.Min, draw.Src)
	if gray.Bounds().Empty() {
		return gray
	}

	scaled := resize.Resize(uint(rect.Dx()*opts.Scale), uint(rect.Dy()*opts.Scale), gray, resize.Lanczos3)
	bin := toGray(scaled)
	for i, p := range bin.Pix {
		if p > opts.Threshold {
			bin.Pix[i] = 255
		} else {
			bin.Pix[i] = 0
		}
	}
	return median3(bin)
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// median3 applies a 3x3 median filter; edge pixels use the clamped
// neighbourhood.
func median3(src *image.Gray) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	var win [9]uint8
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					px := min(max(x+dx, b.Min.X), b.Max.X-1)
					py := min(max(y+dy, b.Min.Y), b.Max.Y-1)
					win[n] = src.GrayAt(px, py).Y
					n++
				}
			}
			s := win[:]
			slices.Sort(s)
			dst.Pix[dst.PixOffset(x, y)] = s[4]
		}
	}
	return dst
}

// EncodePNG encodes the preprocessed crop for an OCR backend.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
