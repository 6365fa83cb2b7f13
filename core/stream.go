package core

import (
	"errors"
	"fmt"

	"github.com/tsawler/pagestream/internal/filters"
)

// ErrImageData is returned by Decode when the chain ends in an image codec
// (DCT, JPX, JBIG2); the bytes returned are the input to that codec.
var ErrImageData = filters.ErrPassThrough

// Filters lists the stream's filter names in application order.
func (s *Stream) Filters() []string {
	switch f := s.Dict["Filter"].(type) {
	case Name:
		return []string{string(f)}
	case Array:
		names := make([]string, 0, len(f))
		for _, item := range f {
			if n, ok := item.(Name); ok {
				names = append(names, string(n))
			}
		}
		return names
	}
	return nil
}

// Decode applies the filter chain. Stream data itself is never modified, so
// cached streams may be decoded concurrently.
func (s *Stream) Decode() ([]byte, error) {
	names := s.Filters()
	data := s.Data
	for i, name := range names {
		out, err := filters.Decode(name, data, decodeParams(s.Dict, i))
		if err != nil {
			if errors.Is(err, filters.ErrPassThrough) {
				return data, ErrImageData
			}
			return nil, fmt.Errorf("filter %d (%s): %w", i, name, err)
		}
		data = out
	}
	return data, nil
}

func decodeParams(dict Dict, index int) filters.Params {
	var parms Dict
	switch v := dict["DecodeParms"].(type) {
	case Dict:
		parms = v
	case Array:
		parms, _ = v.Get(index).(Dict)
	}
	if parms == nil {
		return nil
	}
	params := make(filters.Params, len(parms))
	for k, v := range parms {
		switch o := v.(type) {
		case Int:
			params[k] = int(o)
		case Real:
			params[k] = float64(o)
		case Bool:
			params[k] = bool(o)
		case Name:
			params[k] = string(o)
		case String:
			params[k] = string(o)
		}
	}
	return params
}
