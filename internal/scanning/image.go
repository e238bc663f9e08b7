package scanning

import (
	"image"
	"image/color"
)

// ColorMode is the pixel layout of a scanned page
type ColorMode string

const (
	ModeColor   ColorMode = "color"
	ModeGray    ColorMode = "gray"
	ModeLineart ColorMode = "lineart"
)

// Image is a raw page as delivered by the device.
// Color pages carry 3 bytes per pixel (RGB); gray and lineart pages carry 1.
type Image struct {
	Width  int
	Height int
	Mode   ColorMode
	Pix    []byte
}

// ParseColorMode maps a device "mode" option value to a ColorMode
func ParseColorMode(v any) ColorMode {
	s, _ := v.(string)
	switch s {
	case "gray", "Gray", "grayscale", "Grayscale":
		return ModeGray
	case "lineart", "Lineart", "halftone", "Halftone":
		return ModeLineart
	default:
		return ModeColor
	}
}

// BytesPerPixel returns the stride unit for the mode
func (m ColorMode) BytesPerPixel() int {
	if m == ModeColor {
		return 3
	}
	return 1
}

// FromImage copies any decoded image into a raw page buffer in the given mode
func FromImage(src image.Image, mode ColorMode) *Image {
	b := src.Bounds()
	img := &Image{
		Width:  b.Dx(),
		Height: b.Dy(),
		Mode:   mode,
		Pix:    make([]byte, b.Dx()*b.Dy()*mode.BytesPerPixel()),
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.At(x, y)
			switch mode {
			case ModeColor:
				rgba := color.RGBAModel.Convert(c).(color.RGBA)
				img.Pix[i] = rgba.R
				img.Pix[i+1] = rgba.G
				img.Pix[i+2] = rgba.B
				i += 3
			case ModeLineart:
				g := color.GrayModel.Convert(c).(color.Gray)
				if g.Y >= 128 {
					img.Pix[i] = 255
				} else {
					img.Pix[i] = 0
				}
				i++
			default:
				img.Pix[i] = color.GrayModel.Convert(c).(color.Gray).Y
				i++
			}
		}
	}
	return img
}

// Image returns the page as a standard library image
func (i *Image) Image() image.Image {
	rect := image.Rect(0, 0, i.Width, i.Height)
	if i.Mode != ModeColor {
		gray := image.NewGray(rect)
		copy(gray.Pix, i.Pix)
		return gray
	}

	rgba := image.NewRGBA(rect)
	for p, q := 0, 0; p+2 < len(i.Pix) && q+3 < len(rgba.Pix); p, q = p+3, q+4 {
		rgba.Pix[q] = i.Pix[p]
		rgba.Pix[q+1] = i.Pix[p+1]
		rgba.Pix[q+2] = i.Pix[p+2]
		rgba.Pix[q+3] = 0xff
	}
	return rgba
}
