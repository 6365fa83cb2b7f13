package filters

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// FlateDecode inflates zlib data and undoes any predictor named in params.
// A truncated stream still yields the bytes inflated before the error,
// since many writers omit the final checksum.
func FlateDecode(data []byte, params Params) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("flate: %w", err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		if buf.Len() == 0 {
			return nil, fmt.Errorf("flate: %w", err)
		}
	}

	predictor := intParam(params, "Predictor", 1)
	if predictor <= 1 {
		return buf.Bytes(), nil
	}
	out, err := unpredict(buf.Bytes(), predictor, params)
	if err != nil {
		return nil, fmt.Errorf("flate predictor %d: %w", predictor, err)
	}
	return out, nil
}

func unpredict(data []byte, predictor int, params Params) ([]byte, error) {
	colors := intParam(params, "Colors", 1)
	bpc := intParam(params, "BitsPerComponent", 8)
	columns := intParam(params, "Columns", 1)
	if colors < 1 || bpc < 1 || columns < 1 {
		return nil, fmt.Errorf("invalid parameters colors=%d bpc=%d columns=%d", colors, bpc, columns)
	}
	pixelBytes := (colors*bpc + 7) / 8
	rowBytes := (columns*colors*bpc + 7) / 8

	switch {
	case predictor == 2:
		if bpc != 8 {
			return nil, fmt.Errorf("TIFF predictor needs 8 bits per component, got %d", bpc)
		}
		out := append([]byte(nil), data...)
		for start := 0; start+rowBytes <= len(out); start += rowBytes {
			row := out[start : start+rowBytes]
			for i := colors; i < len(row); i++ {
				row[i] += row[i-colors]
			}
		}
		return out, nil
	case predictor >= 10 && predictor <= 15:
		return unpredictPNG(data, rowBytes, pixelBytes)
	}
	return nil, fmt.Errorf("unknown predictor")
}

// unpredictPNG decodes rows that each start with a PNG filter-type byte.
// A short final row is decoded as far as it goes.
func unpredictPNG(data []byte, rowBytes, pixelBytes int) ([]byte, error) {
	out := make([]byte, 0, len(data))
	prior := make([]byte, rowBytes)
	row := make([]byte, rowBytes)

	for pos := 0; pos < len(data); pos += rowBytes + 1 {
		kind := data[pos]
		end := pos + 1 + rowBytes
		if end > len(data) {
			end = len(data)
		}
		n := copy(row, data[pos+1:end])
		for i := n; i < rowBytes; i++ {
			row[i] = 0
		}

		for i := 0; i < n; i++ {
			var left, upLeft byte
			if i >= pixelBytes {
				left = row[i-pixelBytes]
				upLeft = prior[i-pixelBytes]
			}
			up := prior[i]
			switch kind {
			case 0:
			case 1:
				row[i] += left
			case 2:
				row[i] += up
			case 3:
				row[i] += byte((int(left) + int(up)) / 2)
			case 4:
				row[i] += paeth(left, up, upLeft)
			default:
				return nil, fmt.Errorf("unknown PNG filter type %d", kind)
			}
		}
		out = append(out, row[:n]...)
		prior, row = row, prior
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := absInt(p-int(a)), absInt(p-int(b)), absInt(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
