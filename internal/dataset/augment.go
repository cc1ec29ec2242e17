package dataset

import (
	"image"
	"math"
	"math/rand/v2"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// AugmentOptions bounds the random transforms applied to training images.
// Shift and zoom are fractions of the image size, rotation and shear are in degrees.
type AugmentOptions struct {
	RotationRange    float64
	WidthShiftRange  float64
	HeightShiftRange float64
	ShearRange       float64
	ZoomRange        float64
	HorizontalFlip   bool
}

// DefaultAugmentation is the augmentation used when training with AUGMENTATION enabled.
var DefaultAugmentation = AugmentOptions{
	RotationRange:    40,
	WidthShiftRange:  0.2,
	HeightShiftRange: 0.2,
	ShearRange:       0.2,
	ZoomRange:        0.2,
	HorizontalFlip:   true,
}

// Transform is one sampled augmentation.
type Transform struct {
	Theta  float64
	Tx, Ty float64
	Shear  float64
	Zx, Zy float64
	Flip   bool
}

func uniform(rng *rand.Rand, limit float64) float64 {
	if limit == 0 {
		return 0
	}
	return (rng.Float64()*2 - 1) * limit
}

// Sample draws a random transform for an image of the given size.
func (o AugmentOptions) Sample(rng *rand.Rand, width, height int) Transform {
	t := Transform{
		Theta: uniform(rng, o.RotationRange) * math.Pi / 180,
		Tx:    uniform(rng, o.WidthShiftRange) * float64(width),
		Ty:    uniform(rng, o.HeightShiftRange) * float64(height),
		Shear: uniform(rng, o.ShearRange) * math.Pi / 180,
		Zx:    1,
		Zy:    1,
	}
	if o.ZoomRange != 0 {
		t.Zx = 1 + uniform(rng, o.ZoomRange)
		t.Zy = 1 + uniform(rng, o.ZoomRange)
	}
	if o.HorizontalFlip {
		t.Flip = rng.IntN(2) == 1
	}
	return t
}

// Matrix returns the source-to-destination affine map for t about the centre
// of a width x height image.
func (t Transform) Matrix(width, height int) f64.Aff3 {
	cx, cy := float64(width)/2, float64(height)/2

	// Destination to source, before inversion: rotation * shear * zoom.
	sin, cos := math.Sincos(t.Theta)
	shSin, shCos := math.Sincos(t.Shear)
	a := cos * t.Zx
	b := (cos*-shSin - sin*shCos) * t.Zy
	c := sin * t.Zx
	d := (sin*-shSin + cos*shCos) * t.Zy

	det := a*d - b*c
	ia, ib, ic, id := d/det, -b/det, -c/det, a/det

	// dst = A^-1 (src - centre - shift) + centre
	ox := cx + t.Tx
	oy := cy + t.Ty
	m := f64.Aff3{
		ia, ib, cx - (ia*ox + ib*oy),
		ic, id, cy - (ic*ox + id*oy),
	}

	if t.Flip {
		w := float64(width)
		m = f64.Aff3{-m[0], -m[1], w - m[2], m[3], m[4], m[5]}
	}
	return m
}

// Apply renders img through t onto a new image of the same size. Pixels that
// map from outside the source stay zero.
func (t Transform) Apply(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.BiLinear.Transform(dst, t.Matrix(b.Dx(), b.Dy()), img, b, draw.Src, nil)
	return dst
}
