package mask

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/vector"
)

func setIfInside(img *image.NRGBA, p image.Point, c color.NRGBA) {
	if p.In(img.Bounds()) {
		img.SetNRGBA(p.X, p.Y, c)
	}
}

// drawLine draws a one pixel wide line from a to b (Bresenham). Points
// outside img are skipped.
func drawLine(img *image.NRGBA, a, b image.Point, c color.NRGBA) {
	dx := abs(b.X - a.X)
	dy := -abs(b.Y - a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}

	e := dx + dy
	x, y := a.X, a.Y
	for {
		setIfInside(img, image.Pt(x, y), c)
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

func drawPolyline(img *image.NRGBA, pts []image.Point, c color.NRGBA) {
	for i := 1; i < len(pts); i++ {
		drawLine(img, pts[i-1], pts[i], c)
	}
}

// strokeRect outlines the rectangle with corners a and b.
func strokeRect(img *image.NRGBA, a, b image.Point, c color.NRGBA) {
	drawLine(img, image.Pt(a.X, a.Y), image.Pt(b.X, a.Y), c)
	drawLine(img, image.Pt(b.X, a.Y), image.Pt(b.X, b.Y), c)
	drawLine(img, image.Pt(b.X, b.Y), image.Pt(a.X, b.Y), c)
	drawLine(img, image.Pt(a.X, b.Y), image.Pt(a.X, a.Y), c)
}

// fillPolygon fills the closed outline through pts. Coverage from the
// rasterizer is thresholded at 50% so the mask stays strictly two-valued.
func fillPolygon(img *image.NRGBA, pts []image.Point) {
	if len(pts) < 3 {
		return
	}

	b := img.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	z.DrawOp = draw.Src
	z.MoveTo(float32(pts[0].X)+0.5, float32(pts[0].Y)+0.5)
	for _, p := range pts[1:] {
		z.LineTo(float32(p.X)+0.5, float32(p.Y)+0.5)
	}
	z.ClosePath()

	coverage := image.NewAlpha(image.Rect(0, 0, b.Dx(), b.Dy()))
	z.Draw(coverage, coverage.Bounds(), image.Opaque, image.Point{})

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if coverage.AlphaAt(x, y).A >= 128 {
				img.SetNRGBA(b.Min.X+x, b.Min.Y+y, included)
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
