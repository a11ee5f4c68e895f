// Package annotate draws detection boxes and labels onto frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"mobwatch/internal/pipeline"
)

// Colors maps each category to its box and label colour
var Colors = map[pipeline.Category]color.RGBA{
	pipeline.CategoryPerson:  {0, 255, 0, 255},   // Green
	pipeline.CategoryFire:    {255, 0, 0, 255},   // Red
	pipeline.CategoryWeapon:  {0, 0, 255, 255},   // Blue
	pipeline.CategoryStick:   {255, 165, 0, 255}, // Orange
	pipeline.CategoryPlacard: {255, 255, 0, 255}, // Yellow
}

var fallbackColor = color.RGBA{255, 255, 255, 255}

const (
	boxThickness = 2
	labelOffset  = 10 // Label baseline sits this far above the box
)

// Annotator draws boxes in category colours with a "<label>: <confidence>" caption
type Annotator struct {
	face font.Face
}

// New creates an annotator using the built-in 7x13 bitmap font
func New() *Annotator {
	return &Annotator{face: basicfont.Face7x13}
}

// Annotate draws every detection onto img in order. Drawing is clipped to
// the image bounds.
func (a *Annotator) Annotate(img *image.RGBA, detections []pipeline.Detection) {
	for _, det := range detections {
		c, ok := Colors[det.Label]
		if !ok {
			c = fallbackColor
		}
		x1, y1, x2, y2 := det.BBox[0], det.BBox[1], det.BBox[2], det.BBox[3]
		drawBox(img, x1, y1, x2, y2, c, boxThickness)
		a.drawLabel(img, x1, y1-labelOffset, Label(det), c)
	}
}

// Label returns the caption drawn next to a detection
func Label(det pipeline.Detection) string {
	return fmt.Sprintf("%s: %.2f", det.Label, det.Confidence)
}

// drawBox draws a rectangle outline between two corners
func drawBox(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA, thickness int) {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}

	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(x1, y1, x2+1, y1+thickness),     // Top
		image.Rect(x1, y2-thickness+1, x2+1, y2+1), // Bottom
		image.Rect(x1, y1, x1+thickness, y2+1),     // Left
		image.Rect(x2-thickness+1, y1, x2+1, y2+1), // Right
	}
	for _, e := range edges {
		// draw.Draw clips to the destination bounds
		draw.Draw(img, e.Intersect(img.Bounds()), src, image.Point{}, draw.Src)
	}
}

// drawLabel draws text with its baseline at (x, y), kept inside the image
func (a *Annotator) drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bounds := img.Bounds()
	ascent := a.face.Metrics().Ascent.Ceil()
	if y < bounds.Min.Y+ascent {
		y = bounds.Min.Y + ascent
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: a.face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(label)
}

// Ensure Annotator implements pipeline.Annotator
var _ pipeline.Annotator = (*Annotator)(nil)
