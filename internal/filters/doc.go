// Package filters implements the PDF stream filters needed to read
// document structure: FlateDecode (with TIFF and PNG predictors),
// ASCIIHexDecode, ASCII85Decode, RunLengthDecode and CCITTFaxDecode.
//
// Image codecs that a renderer consumes directly (DCTDecode, JPXDecode,
// JBIG2Decode) are not decoded here; Decode reports them with
// ErrPassThrough so callers can keep the encoded bytes.
//
//	out, err := filters.Decode("FlateDecode", data, filters.Params{
//	    "Predictor": 12,
//	    "Columns":   5,
//	})
package filters
