// Package imaging shrinks photos before they are uploaded for scoring.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var ErrEmpty = errors.New("empty image")

type Options struct {
	MaxWidth    int
	MaxHeight   int
	TargetBytes int
	Quality     int
	MinQuality  int
}

func DefaultOptions() Options {
	return Options{
		MaxWidth:    800,
		MaxHeight:   1200,
		TargetBytes: 200 * 1024,
		Quality:     80,
		MinQuality:  30,
	}
}

// Compress decodes a JPEG, PNG or WebP photo, scales it down to fit within
// the bounds and re-encodes it as JPEG, lowering quality until the output
// fits the byte target or the minimum quality is reached. A JPEG that
// already fits is returned unchanged.
func Compress(data []byte, opts Options) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	w, h := Fit(b.Dx(), b.Dy(), opts.MaxWidth, opts.MaxHeight)
	if format == "jpeg" && w == b.Dx() && h == b.Dy() && len(data) <= opts.TargetBytes {
		return data, nil
	}

	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	for q := opts.Quality; ; q -= 10 {
		q = max(q, opts.MinQuality)
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		if buf.Len() <= opts.TargetBytes || q <= opts.MinQuality {
			break
		}
	}
	return buf.Bytes(), nil
}

// Fit scales w×h down to fit within maxW×maxH, keeping the aspect ratio.
// Images already inside the bounds are not enlarged.
func Fit(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && float64(h)*scale > float64(maxH) {
		scale = float64(maxH) / float64(h)
	}
	if scale == 1.0 {
		return w, h
	}
	return max(1, int(float64(w)*scale+0.5)), max(1, int(float64(h)*scale+0.5))
}
