package producer

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/vector"
)

// Frame is one planar I420 picture. U and V are subsampled by two on both
// axes.
type Frame struct {
	Width  int
	Height int
	Y      []byte
	U      []byte
	V      []byte

	// Timestamp is the capture time in microseconds.
	Timestamp int64
	Sequence  uint64
	// Position is the ground truth used to draw this frame.
	Position Position
}

// NewFrame allocates an I420 frame. width and height must be even.
func NewFrame(width, height int) *Frame {
	cw, ch := width/2, height/2
	return &Frame{
		Width:  width,
		Height: height,
		Y:      make([]byte, width*height),
		U:      make([]byte, cw*ch),
		V:      make([]byte, cw*ch),
	}
}

// Clone returns a deep copy of f.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Y = append([]byte(nil), f.Y...)
	c.U = append([]byte(nil), f.U...)
	c.V = append([]byte(nil), f.V...)
	return &c
}

var (
	background = color.RGBA{A: 0xff}
	foreground = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// kappa places the control points of a cubic Bézier quarter circle.
const kappa = 0.5522847498307936

// Rasterize fills img with the background and draws the ball as an
// anti-aliased disc, so edge pixels carry the fraction of their area the ball
// covers. The ball must lie inside img. z is reused between calls; nil
// allocates a rasterizer.
func Rasterize(z *vector.Rasterizer, img *image.RGBA, ball Ball) {
	b := img.Bounds()
	draw.Draw(img, b, image.NewUniform(background), image.Point{}, draw.Src)

	if z == nil {
		z = vector.NewRasterizer(b.Dx(), b.Dy())
	} else {
		z.Reset(b.Dx(), b.Dy())
	}

	cx, cy := float32(ball.X-float64(b.Min.X)), float32(ball.Y-float64(b.Min.Y))
	r := float32(ball.Radius)
	k := float32(kappa) * r

	z.MoveTo(cx+r, cy)
	z.CubeTo(cx+r, cy+k, cx+k, cy+r, cx, cy+r)
	z.CubeTo(cx-k, cy+r, cx-r, cy+k, cx-r, cy)
	z.CubeTo(cx-r, cy-k, cx-k, cy-r, cx, cy-r)
	z.CubeTo(cx+k, cy-r, cx+r, cy-k, cx+r, cy)
	z.ClosePath()

	z.Draw(img, b, image.NewUniform(foreground), image.Point{})
}

// ConvertI420 converts img into the planes of dst, which must have the same
// dimensions. Luma is computed per pixel, chroma from the average of each 2x2
// block, both with BT.601 full-range weights truncated to an integer.
func ConvertI420(dst *Frame, img *image.RGBA) {
	w, h := dst.Width, dst.Height
	pix, stride := img.Pix, img.Stride

	for j := 0; j < h; j++ {
		row := pix[j*stride:]
		for i := 0; i < w; i++ {
			r, g, b := float64(row[i*4]), float64(row[i*4+1]), float64(row[i*4+2])
			dst.Y[j*w+i] = luma(r, g, b)
		}
	}

	cw := w / 2
	for j := 0; j < h; j += 2 {
		top, bottom := pix[j*stride:], pix[(j+1)*stride:]
		for i := 0; i < w; i += 2 {
			o := i * 4
			r := (float64(top[o]) + float64(top[o+4]) + float64(bottom[o]) + float64(bottom[o+4])) / 4
			g := (float64(top[o+1]) + float64(top[o+5]) + float64(bottom[o+1]) + float64(bottom[o+5])) / 4
			b := (float64(top[o+2]) + float64(top[o+6]) + float64(bottom[o+2]) + float64(bottom[o+6])) / 4

			k := (j/2)*cw + i/2
			dst.U[k] = chromaU(r, g, b)
			dst.V[k] = chromaV(r, g, b)
		}
	}
}

// The explicit float64 conversions keep the compiler from fusing the
// multiply-adds, so every architecture truncates the same value.

func luma(r, g, b float64) byte {
	return toByte(float64(0.299*r) + float64(0.587*g) + float64(0.114*b))
}

func chromaU(r, g, b float64) byte {
	return toByte(float64(-0.168736*r) - float64(0.331264*g) + float64(0.5*b) + 128)
}

func chromaV(r, g, b float64) byte {
	return toByte(float64(0.5*r) - float64(0.418688*g) - float64(0.081312*b) + 128)
}

func toByte(v float64) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return byte(v)
}
