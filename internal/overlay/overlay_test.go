package overlay

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchpost/internal/pipeline"
)

func grayFrame(t *testing.T, w, h int) *pipeline.FrameData {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	return &pipeline.FrameData{Image: img}
}

func TestStatusLine(t *testing.T) {
	tests := []struct {
		name  string
		scene pipeline.Scene
		want  string
	}{
		{"idle", pipeline.Scene{FPS: 14.7}, "FPS: 14"},
		{"threat", pipeline.Scene{FPS: 10, ThreatLabel: "KNIFE"}, "FPS: 10 | KNIFE"},
		{"alarm", pipeline.Scene{FPS: 9, ThreatLabel: "KNIFE, GUN", AlarmActive: true}, "FPS: 9 | KNIFE, GUN | ALARM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusLine(tt.scene))
		})
	}
}

func TestRender_DrawsThreatBoxWithoutTouchingSource(t *testing.T) {
	frame := grayFrame(t, 200, 150)
	r := NewRenderer()

	out := r.Render(frame, pipeline.Scene{
		Detections: []pipeline.Detection{{
			Label: "KNIFE", Confidence: 0.9, IsThreat: true,
			BBox: pipeline.BBox{X1: 50, Y1: 60, X2: 120, Y2: 130},
		}},
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})

	require.NotNil(t, out)
	assert.Equal(t, ThreatColor, out.RGBAAt(80, 129), "bottom edge")
	assert.Equal(t, ThreatColor, out.RGBAAt(53, 100), "thick left edge")
	assert.Equal(t, color.RGBA{128, 128, 128, 255}, out.RGBAAt(85, 100), "interior untouched")

	src := frame.Image.(*image.RGBA)
	assert.Equal(t, color.RGBA{128, 128, 128, 255}, src.RGBAAt(80, 129), "source frame unchanged")
}

func TestRender_DebugDetectionsOnlyInDebugMode(t *testing.T) {
	frame := grayFrame(t, 200, 150)
	det := pipeline.Detection{Label: "PERSON", Confidence: 0.8, BBox: pipeline.BBox{X1: 20, Y1: 40, X2: 100, Y2: 140}}
	r := NewRenderer()

	plain := r.Render(frame, pipeline.Scene{Detections: []pipeline.Detection{det}})
	assert.NotEqual(t, DebugColor, plain.RGBAAt(60, 139))

	debug := r.Render(frame, pipeline.Scene{Detections: []pipeline.Detection{det}, DebugMode: true})
	assert.Equal(t, DebugColor, debug.RGBAAt(60, 139))
	assert.NotEqual(t, DebugColor, debug.RGBAAt(60, 138), "debug boxes are one pixel thick")
}

func TestRender_FaceColors(t *testing.T) {
	frame := grayFrame(t, 200, 150)
	r := NewRenderer()

	out := r.Render(frame, pipeline.Scene{Faces: []pipeline.FaceObservation{
		{BBox: pipeline.BBox{X1: 10, Y1: 50, X2: 60, Y2: 100}},
		{BBox: pipeline.BBox{X1: 100, Y1: 50, X2: 150, Y2: 100}, Identity: &pipeline.Identity{Name: "JANE", Confidence: 0.8}},
	}})

	assert.Equal(t, UnknownFace, out.RGBAAt(30, 99))
	assert.Equal(t, KnownFace, out.RGBAAt(120, 99))
}

func TestEncode(t *testing.T) {
	r := NewRenderer()
	data, err := r.Encode(image.NewRGBA(image.Rect(0, 0, 16, 16)))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
}
