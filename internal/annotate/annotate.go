// Package annotate draws detection boxes onto frames and encodes them.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

// DefaultQuality is the JPEG quality used for streamed frames.
const DefaultQuality = 80

var (
	boxColor  = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	textColor = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	font      *truetype.Font
)

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Caption is the text drawn above a box.
func Caption(d types.Detection) string {
	return fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
}

// Draw returns a copy of img with a green box and caption per detection.
// The input image is not modified.
func Draw(img image.Image, dets []types.Detection) image.Image {
	dc := gg.NewContextForImage(img)
	if len(dets) == 0 {
		return dc.Image()
	}

	w, h := float64(dc.Width()), float64(dc.Height())
	size := max(12, h/40)
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: size}))
	lineWidth := max(2, h/240)

	for _, d := range dets {
		x1, y1 := clamp(d.BBox[0], 0, w), clamp(d.BBox[1], 0, h)
		x2, y2 := clamp(d.BBox[2], 0, w), clamp(d.BBox[3], 0, h)
		if x2 <= x1 || y2 <= y1 {
			continue
		}

		dc.SetColor(boxColor)
		dc.SetLineWidth(lineWidth)
		dc.DrawRectangle(x1, y1, x2-x1, y2-y1)
		dc.Stroke()

		text := Caption(d)
		tw, th := dc.MeasureString(text)
		pad := 2.0
		ty := y1 - th - 2*pad
		if ty < 0 {
			// no room above the box
			ty = y1
		}
		dc.SetColor(boxColor)
		dc.DrawRectangle(x1, ty, tw+2*pad, th+2*pad)
		dc.Fill()
		dc.SetColor(textColor)
		dc.DrawStringAnchored(text, x1+pad, ty+pad, 0, 1)
	}
	return dc.Image()
}

// EncodeJPEG encodes img at quality; out-of-range values use DefaultQuality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
