package filters

import (
	"errors"
	"fmt"
)

// Params holds decode parameters from a stream's DecodeParms dictionary,
// already converted to Go values (int, float64, bool, string).
type Params map[string]interface{}

// ErrPassThrough is returned for image filters whose output is consumed in
// encoded form.
var ErrPassThrough = errors.New("filters: image filter is not decoded")

// UnsupportedFilterError names a filter this package does not know.
type UnsupportedFilterError struct {
	Name string
}

func (e *UnsupportedFilterError) Error() string {
	return fmt.Sprintf("filters: unsupported filter %q", e.Name)
}

// Decode applies the named filter. Abbreviated inline-image names are
// accepted.
func Decode(name string, data []byte, params Params) ([]byte, error) {
	switch name {
	case "FlateDecode", "Fl":
		return FlateDecode(data, params)
	case "ASCIIHexDecode", "AHx":
		return ASCIIHexDecode(data)
	case "ASCII85Decode", "A85":
		return ASCII85Decode(data)
	case "RunLengthDecode", "RL":
		return RunLengthDecode(data)
	case "CCITTFaxDecode", "CCF":
		return CCITTFaxDecode(data, params)
	case "DCTDecode", "DCT", "JPXDecode", "JBIG2Decode":
		return nil, ErrPassThrough
	default:
		return nil, &UnsupportedFilterError{Name: name}
	}
}

func intParam(params Params, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func boolParam(params Params, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}
