package dataset

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// DefaultRescale maps 8-bit pixel values into [0, 1].
const DefaultRescale = 1.0 / 255

func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening image %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("error decoding image %s: %w", path, err)
	}
	return img, nil
}

// Resize scales img to width x height with bilinear interpolation.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToArray writes img into out as HWC floats multiplied by scale. channels is 1
// (grayscale), 3 (RGB) or 4 (RGBA).
func ToArray(img *image.RGBA, channels int, scale float32, out []float32) error {
	b := img.Bounds()
	if len(out) != b.Dx()*b.Dy()*channels {
		return fmt.Errorf("output has %d values, expected %d", len(out), b.Dx()*b.Dy()*channels)
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := img.RGBAAt(x, y)
			switch channels {
			case 1:
				g := color.GrayModel.Convert(px).(color.Gray)
				out[i] = float32(g.Y) * scale
			case 3:
				out[i] = float32(px.R) * scale
				out[i+1] = float32(px.G) * scale
				out[i+2] = float32(px.B) * scale
			case 4:
				out[i] = float32(px.R) * scale
				out[i+1] = float32(px.G) * scale
				out[i+2] = float32(px.B) * scale
				out[i+3] = float32(px.A) * scale
			default:
				return fmt.Errorf("unsupported channel count %d", channels)
			}
			i += channels
		}
	}
	return nil
}

// LoadImage decodes, resizes and rescales an image file into out.
func LoadImage(path string, height, width, channels int, scale float32, out []float32) error {
	img, err := DecodeFile(path)
	if err != nil {
		return err
	}
	return ToArray(Resize(img, width, height), channels, scale, out)
}
