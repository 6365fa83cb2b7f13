package pages

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/core"
)

// PageImage is an image XObject of a page with its samples decoded, or
// with the encoded bytes when the stream ends in an image codec.
type PageImage struct {
	Name             string
	Width            int
	Height           int
	ColorSpace       string
	BitsPerComponent int
	Filter           string
	// Data holds decoded samples, or the codec input when Encoded is set.
	Data    []byte
	Encoded bool
}

// Images returns the image XObjects named in the page resources, sorted
// by name. Entries that fail to decode are skipped with a warning.
func (p *Page) Images() ([]PageImage, error) {
	xobjects, err := p.xobjects()
	if err != nil {
		return nil, err
	}
	names := xobjects.Keys()
	sort.Strings(names)
	var out []PageImage
	for _, name := range names {
		img, err := p.image(xobjects, name)
		if err != nil {
			if core.IsMissingData(err) {
				return nil, err
			}
			p.logger.Warn("skipping image", zap.String("name", name), zap.Error(err))
			continue
		}
		if img != nil {
			out = append(out, *img)
		}
	}
	return out, nil
}

// Image returns the image XObject called name.
func (p *Page) Image(name string) (*PageImage, error) {
	xobjects, err := p.xobjects()
	if err != nil {
		return nil, err
	}
	img, err := p.image(xobjects, name)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("page %d has no image %q", p.Index, name)
	}
	return img, nil
}

func (p *Page) xobjects() (core.Dict, error) {
	res, err := p.Resources()
	if err != nil {
		return nil, err
	}
	obj, err := p.xref.FetchIfRef(res["XObject"])
	if err != nil {
		return nil, err
	}
	d, _ := obj.(core.Dict)
	return d, nil
}

func (p *Page) image(xobjects core.Dict, name string) (*PageImage, error) {
	obj, err := p.xref.FetchIfRef(xobjects[name])
	if err != nil {
		return nil, err
	}
	s, ok := obj.(*core.Stream)
	if !ok {
		return nil, nil
	}
	if sub, _ := s.Dict.GetName("Subtype"); sub != "Image" {
		return nil, nil
	}
	w, okw := s.Dict.GetInt("Width")
	h, okh := s.Dict.GetInt("Height")
	if !okw || !okh || w <= 0 || h <= 0 {
		return nil, core.Formatf("image %s has no valid size", name)
	}
	img := &PageImage{Name: name, Width: int(w), Height: int(h), BitsPerComponent: 8, ColorSpace: "DeviceGray"}
	if bpc, ok := s.Dict.GetInt("BitsPerComponent"); ok {
		img.BitsPerComponent = int(bpc)
	}
	if mask, ok := s.Dict.GetBool("ImageMask"); ok && bool(mask) {
		img.BitsPerComponent = 1
	}
	if cs, err := p.colorSpaceName(s.Dict["ColorSpace"], 0); err != nil {
		return nil, err
	} else if cs != "" {
		img.ColorSpace = cs
	}
	if f := s.Filters(); len(f) > 0 {
		img.Filter = f[len(f)-1]
	}
	data, err := s.Decode()
	switch {
	case errors.Is(err, core.ErrImageData):
		img.Encoded = true
	case err != nil:
		return nil, err
	}
	img.Data = data
	return img, nil
}

// colorSpaceName reduces a color space to the family that decides the
// sample layout. Indexed spaces report their base.
func (p *Page) colorSpaceName(obj core.Object, depth int) (string, error) {
	obj, err := p.xref.FetchIfRef(obj)
	if err != nil || depth > 4 {
		return "", err
	}
	switch v := obj.(type) {
	case core.Name:
		return string(v), nil
	case core.Array:
		family, _ := v.GetName(0)
		switch family {
		case "Indexed":
			return p.colorSpaceName(v.Get(1), depth+1)
		case "ICCBased":
			s, err := p.xref.FetchIfRef(v.Get(1))
			if err != nil {
				return "", err
			}
			if stm, ok := s.(*core.Stream); ok {
				switch n, _ := stm.Dict.GetInt("N"); n {
				case 1:
					return "DeviceGray", nil
				case 3:
					return "DeviceRGB", nil
				case 4:
					return "DeviceCMYK", nil
				}
			}
		}
		return string(family), nil
	}
	return "", nil
}

func (img *PageImage) components() int {
	switch img.ColorSpace {
	case "DeviceRGB", "CalRGB", "Lab":
		return 3
	case "DeviceCMYK":
		return 4
	}
	return 1
}

// sample returns component c of pixel (x, y) scaled to 8 bits.
func (img *PageImage) sample(x, y, c, n, stride int) uint8 {
	bpc := img.BitsPerComponent
	bit := (x*n + c) * bpc
	b := img.Data[y*stride+bit/8]
	if bpc >= 8 {
		return b
	}
	shift := 8 - bpc - bit%8
	v := (b >> uint(shift)) & (1<<uint(bpc) - 1)
	return uint8(int(v) * 255 / (1<<uint(bpc) - 1))
}

// ToImage converts decoded samples to an image. Encoded images must be
// handed to their codec instead.
func (img *PageImage) ToImage() (image.Image, error) {
	if img.Encoded {
		return nil, fmt.Errorf("image %s is %s data", img.Name, img.Filter)
	}
	switch img.BitsPerComponent {
	case 1, 2, 4, 8, 16:
	default:
		return nil, fmt.Errorf("unsupported bits per component: %d", img.BitsPerComponent)
	}
	n := img.components()
	stride := (img.Width*n*img.BitsPerComponent + 7) / 8
	if len(img.Data) < stride*img.Height {
		return nil, fmt.Errorf("insufficient data: got %d, expected %d", len(img.Data), stride*img.Height)
	}
	bounds := image.Rect(0, 0, img.Width, img.Height)
	if n == 1 {
		out := image.NewGray(bounds)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				out.Pix[y*out.Stride+x] = img.sample(x, y, 0, 1, stride)
			}
		}
		return out, nil
	}
	out := image.NewRGBA(bounds)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			var r, g, b uint8
			if n == 4 {
				r, g, b = color.CMYKToRGB(img.sample(x, y, 0, 4, stride), img.sample(x, y, 1, 4, stride),
					img.sample(x, y, 2, 4, stride), img.sample(x, y, 3, 4, stride))
			} else {
				r, g, b = img.sample(x, y, 0, 3, stride), img.sample(x, y, 1, 3, stride), img.sample(x, y, 2, 3, stride)
			}
			i := y*out.Stride + x*4
			out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = r, g, b, 255
		}
	}
	return out, nil
}

// ToPNG encodes the decoded samples as PNG.
func (img *PageImage) ToPNG() ([]byte, error) {
	m, err := img.ToImage()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, m); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// Bytes returns a file an image decoder or OCR engine accepts: the JPEG
// stream itself for DCT images, PNG otherwise.
func (img *PageImage) Bytes() ([]byte, error) {
	if img.Encoded && img.Filter == "DCTDecode" {
		return img.Data, nil
	}
	return img.ToPNG()
}
