//go:build ocr

package ocr

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
)

// createTestPNG draws a black bar on white. OCR may or may not find text
// in it; the tests only check the calls succeed.
func createTestPNG(width, height int) []byte {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.White)
		}
	}
	for x := 10; x < 50; x++ {
		for y := 10; y < 30; y++ {
			img.Set(x, y, color.Black)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func TestRecognize(t *testing.T) {
	client, err := New("eng")
	if err != nil {
		t.Skipf("Tesseract not available: %v", err)
	}
	defer client.Close()

	if _, err := client.Recognize(context.Background(), createTestPNG(100, 50)); err != nil {
		t.Errorf("Recognize failed: %v", err)
	}
}

func TestRecognizeHonorsCancelledContext(t *testing.T) {
	client, err := New("")
	if err != nil {
		t.Skipf("Tesseract not available: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Recognize(ctx, createTestPNG(10, 10)); err == nil {
		t.Error("expected an error for a cancelled context")
	}
}

func TestClose(t *testing.T) {
	client, err := New("")
	if err != nil {
		t.Skipf("Tesseract not available: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	client.client = nil
	if err := client.Close(); err != nil {
		t.Errorf("Close on released client failed: %v", err)
	}
}
