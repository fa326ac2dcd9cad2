package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"watchpost/internal/pipeline"
)

// Overlay colors
var (
	ThreatColor    = color.RGBA{255, 0, 0, 255}
	DebugColor     = color.RGBA{0, 255, 0, 255}
	UnknownFace    = color.RGBA{255, 255, 0, 255}
	KnownFace      = color.RGBA{0, 0, 255, 255}
	StatusColor    = color.RGBA{0, 255, 0, 255}
	TimestampColor = color.RGBA{255, 255, 255, 255}
	labelBG        = color.RGBA{0, 0, 0, 180}
)

const (
	threatThickness = 4
	debugThickness  = 1
	faceThickness   = 2

	glyphWidth  = 7 // basicfont.Face7x13 advance
	glyphHeight = 13
)

// Renderer draws detection, face and status overlays onto a copy of the frame
type Renderer struct {
	Quality int // JPEG quality used by Encode
}

// NewRenderer creates a renderer with the default JPEG quality
func NewRenderer() *Renderer {
	return &Renderer{Quality: 85}
}

var _ pipeline.Renderer = (*Renderer)(nil)

// Render implements pipeline.Renderer. The source frame is never modified.
func (r *Renderer) Render(frame *pipeline.FrameData, scene pipeline.Scene) *image.RGBA {
	bounds := frame.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, frame.Image, bounds.Min, draw.Src)

	for _, det := range scene.Detections {
		if det.IsThreat {
			drawBox(rgba, det.BBox, ThreatColor, threatThickness)
			drawLabel(rgba, det.BBox.X1, det.BBox.Y1-16, fmt.Sprintf("! %s (%.1f%%)", strings.ToUpper(det.Label), det.Confidence*100), ThreatColor)
		} else if scene.DebugMode {
			drawBox(rgba, det.BBox, DebugColor, debugThickness)
			drawLabel(rgba, det.BBox.X1, det.BBox.Y1-14, fmt.Sprintf("%s (%.1f%%)", det.Label, det.Confidence*100), DebugColor)
		}
	}

	for _, face := range scene.Faces {
		c := UnknownFace
		label := "UNKNOWN"
		if face.Known() {
			c = KnownFace
			label = fmt.Sprintf("%s (%.1f%%)", face.Identity.Name, face.Identity.Confidence*100)
		}
		drawBox(rgba, face.BBox, c, faceThickness)
		drawLabel(rgba, face.BBox.X1, face.BBox.Y1-14, label, c)
	}

	drawLabel(rgba, bounds.Min.X+10, bounds.Min.Y+10, StatusLine(scene), StatusColor)

	ts := scene.Timestamp.Format(pipeline.TimestampLayout)
	drawLabel(rgba, bounds.Max.X-len(ts)*glyphWidth-10, bounds.Min.Y+10, ts, TimestampColor)

	return rgba
}

// StatusLine formats "FPS: n | LABEL | ALARM"
func StatusLine(scene pipeline.Scene) string {
	parts := []string{fmt.Sprintf("FPS: %d", int(scene.FPS))}
	if scene.ThreatLabel != "" {
		parts = append(parts, scene.ThreatLabel)
	}
	if scene.AlarmActive {
		parts = append(parts, "ALARM")
	}
	return strings.Join(parts, " | ")
}

// Encode renders img as JPEG
func (r *Renderer) Encode(img image.Image) ([]byte, error) {
	q := r.Quality
	if q <= 0 {
		q = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("failed to encode annotated frame: %w", err)
	}
	return buf.Bytes(), nil
}

// drawBox draws a rectangle outline growing inward by thickness pixels
func drawBox(img *image.RGBA, box pipeline.BBox, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(x, y int) {
		if (image.Point{X: x, Y: y}).In(bounds) {
			img.SetRGBA(x, y, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for x := box.X1; x < box.X2; x++ {
			set(x, box.Y1+t)
			set(x, box.Y2-1-t)
		}
		for y := box.Y1; y < box.Y2; y++ {
			set(box.X1+t, y)
			set(box.X2-1-t, y)
		}
	}
}

// drawLabel draws text on a translucent background with its top-left corner at (x, y)
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bounds := img.Bounds()
	if y < bounds.Min.Y {
		y = bounds.Min.Y
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}

	bg := image.Rect(x-2, y-2, x+len(label)*glyphWidth+2, y+glyphHeight).Intersect(bounds)
	draw.Draw(img, bg, image.NewUniform(labelBG), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
