//go:build !ocr

// Package ocr recognizes text in page images for the worker's
// RecognizeImage action.
//
// This is the stub used when the "ocr" build tag is not set. New returns
// ErrOCRNotEnabled. To enable OCR, rebuild with:
//
//	go build -tags ocr
//
// This requires Tesseract to be installed.
package ocr

import "context"

// Client is a stub OCR client that fails every operation.
type Client struct{}

// New reports that OCR support was not compiled in.
func New(lang string) (*Client, error) {
	return nil, ErrOCRNotEnabled
}

// Close is a no-op. It is safe to call on a nil client.
func (c *Client) Close() error {
	return nil
}

func (c *Client) Recognize(ctx context.Context, image []byte) (string, error) {
	return "", ErrOCRNotEnabled
}

func (c *Client) SetPageSegMode(mode PageSegMode) error {
	return ErrOCRNotEnabled
}
