// Package render draws detections onto images and encodes the result.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/Tutortoise/incident-detection-service/models"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	JPEGQuality = 95
	labelHeight = 1.4
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// palette is the Ultralytics class colour cycle.
var palette = []color.RGBA{
	hex(0xFF3838), hex(0xFF9D97), hex(0xFF701F), hex(0xFFB21D), hex(0xCFD231),
	hex(0x48F90A), hex(0x92CC17), hex(0x3DDB86), hex(0x1A9334), hex(0x00D4BB),
	hex(0x2C99A8), hex(0x00C2FF), hex(0x344593), hex(0x6473FF), hex(0x0018EC),
	hex(0x8438FF), hex(0x520085), hex(0xCB38FF), hex(0xFF95C8), hex(0xFF37C7),
}

func hex(v uint32) color.RGBA {
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xFF}
}

// ClassColor returns the box colour for a class id.
func ClassColor(class int) color.RGBA {
	if class < 0 {
		class = -class
	}
	return palette[class%len(palette)]
}

// Overlay draws each detection on a copy of img. img is not modified.
func Overlay(img image.Image, dets ...[]models.Detection) image.Image {
	dc := gg.NewContextForImage(img)

	b := img.Bounds()
	lineWidth := max(float64(b.Dx()+b.Dy())*0.5*0.003, 2)
	fontSize := max(lineWidth*6, 12)
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: fontSize}))

	for _, set := range dets {
		for _, d := range set {
			drawDetection(dc, d, lineWidth, fontSize)
		}
	}
	return dc.Image()
}

func drawDetection(dc *gg.Context, d models.Detection, lineWidth, fontSize float64) {
	c := ClassColor(d.Class)
	w, h := d.XMax-d.XMin, d.YMax-d.YMin

	dc.SetColor(c)
	dc.SetLineWidth(lineWidth)
	dc.DrawRectangle(d.XMin, d.YMin, w, h)
	dc.Stroke()

	label := fmt.Sprintf("%s %.2f", d.Name, d.Confidence)
	tw, _ := dc.MeasureString(label)
	th := fontSize * labelHeight

	// label above the box, inside it when the box touches the top edge
	ty := d.YMin - th
	if ty < 0 {
		ty = d.YMin
	}
	dc.DrawRectangle(d.XMin, ty, tw+lineWidth*2, th)
	dc.Fill()

	dc.SetColor(color.White)
	dc.DrawStringAnchored(label, d.XMin+lineWidth, ty+th/2, 0, 0.35)
}

// EncodeJPEG encodes img as a JPEG.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
