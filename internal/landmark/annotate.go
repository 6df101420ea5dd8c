package landmark

import (
	"image"
	"image/color"
	"image/draw"
)

var (
	handColor = color.RGBA{R: 0, G: 220, B: 90, A: 255}
	faceColor = color.RGBA{R: 60, G: 140, B: 255, A: 255}
	poseColor = color.RGBA{R: 255, G: 180, B: 0, A: 255}
)

// annotate copies the frame and draws overlays for the detected
// landmark groups: a crosshair at the hand centroid, a box around the
// face band, and side ticks for pose.
func annotate(src image.Image, res *Result) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)

	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()

	if res.HandCenter != nil {
		cx := int(res.HandCenter.X * float64(w))
		cy := int(res.HandCenter.Y * float64(h))
		drawCrosshair(dst, cx, cy, 8, handColor)
	}

	if res.Face {
		top := 0
		bottom := h / 3
		drawRect(dst, w/4, top, 3*w/4, bottom, faceColor)
	}

	if res.Pose {
		for y := h / 4; y < h; y += h / 8 {
			drawHLine(dst, 0, 4, y, poseColor)
			drawHLine(dst, w-5, w-1, y, poseColor)
		}
	}

	return dst
}

func drawCrosshair(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	drawHLine(img, cx-r, cx+r, cy, c)
	drawVLine(img, cx, cy-r, cy+r, c)
}

func drawRect(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	drawHLine(img, x0, x1, y0, c)
	drawHLine(img, x0, x1, y1, c)
	drawVLine(img, x0, y0, y1, c)
	drawVLine(img, x1, y0, y1, c)
}

func drawHLine(img *image.RGBA, x0, x1, y int, c color.RGBA) {
	b := img.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return
	}
	for x := clamp(x0, b.Min.X, b.Max.X-1); x <= clamp(x1, b.Min.X, b.Max.X-1); x++ {
		img.SetRGBA(x, y, c)
	}
}

func drawVLine(img *image.RGBA, x, y0, y1 int, c color.RGBA) {
	b := img.Bounds()
	if x < b.Min.X || x >= b.Max.X {
		return
	}
	for y := clamp(y0, b.Min.Y, b.Max.Y-1); y <= clamp(y1, b.Min.Y, b.Max.Y-1); y++ {
		img.SetRGBA(x, y, c)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
