package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"
)

// testImage builds a gradient raster large enough that its JPEG
// encoding clears the minimum payload size.
func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 7) % 256),
				G: uint8((y * 13) % 256),
				B: uint8((x*y + x) % 256),
				A: 255,
			})
		}
	}
	return img
}

func jpegBase64(t *testing.T, img image.Image, quality int) string {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	if buf.Len() < MinFrameBytes {
		t.Fatalf("fixture too small: %d bytes", buf.Len())
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestDecodeJPEG(t *testing.T) {
	src := testImage(128, 96)
	b64 := jpegBase64(t, src, 85)

	img, format, err := Decode(b64)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if format != FormatJPEG {
		t.Fatalf("format = %q, want jpeg", format)
	}
	if img.Bounds().Dx() != 128 || img.Bounds().Dy() != 96 {
		t.Fatalf("bounds = %v, want 128x96", img.Bounds())
	}
}

func TestDecodeStripsDataURIPrefix(t *testing.T) {
	b64 := jpegBase64(t, testImage(128, 96), 85)

	img, _, err := Decode("data:image/jpeg;base64," + b64)
	if err != nil {
		t.Fatalf("Decode with prefix: %v", err)
	}
	if img.Bounds().Dx() != 128 {
		t.Fatalf("width = %d, want 128", img.Bounds().Dx())
	}
}

func TestDecodePNG(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage(64, 64)); err != nil {
		t.Fatalf("encode png fixture: %v", err)
	}
	b64 := base64.StdEncoding.EncodeToString(buf.Bytes())

	_, format, err := Decode(b64)
	if err != nil {
		t.Fatalf("Decode png: %v", err)
	}
	if format != FormatPNG {
		t.Fatalf("format = %q, want png", format)
	}
}

func TestDecodeRejectsEmpty(t *testing.T) {
	if _, _, err := Decode("   "); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("err = %v, want ErrEmptyFrame", err)
	}
}

func TestDecodeRejectsBadBase64(t *testing.T) {
	if _, _, err := Decode("!!!not-base64!!!"); !errors.Is(err, ErrBadBase64) {
		t.Fatalf("err = %v, want ErrBadBase64", err)
	}
}

func TestDecodeRejectsTooSmall(t *testing.T) {
	tiny := base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00})
	if _, _, err := Decode(tiny); !errors.Is(err, ErrTooSmall) {
		t.Fatalf("err = %v, want ErrTooSmall", err)
	}
}

func TestDecodeRejectsOversize(t *testing.T) {
	big := make([]byte, MaxFrameBytes+1)
	big[0], big[1], big[2] = 0xFF, 0xD8, 0xFF
	if _, _, err := Decode(base64.StdEncoding.EncodeToString(big)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestDecodeRejectsUnknownMagic(t *testing.T) {
	junk := bytes.Repeat([]byte("plain text, definitely not an image. "), 20)
	if _, _, err := Decode(base64.StdEncoding.EncodeToString(junk)); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("err = %v, want ErrUnknownFormat", err)
	}
}

func TestDecodeCorruptBodyWithValidMagic(t *testing.T) {
	// WebP magic followed by garbage: sniff passes, decode must fail.
	body := make([]byte, MinFrameBytes+16)
	copy(body, []byte("RIFF"))
	copy(body[8:], []byte("WEBP"))
	for i := 12; i < len(body); i++ {
		body[i] = byte(i * 31)
	}
	_, format, err := Decode(base64.StdEncoding.EncodeToString(body))
	if err == nil {
		t.Fatal("expected decode error for corrupt webp body")
	}
	if format != FormatWebP {
		t.Fatalf("format = %q, want webp", format)
	}
}

func TestSniff(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want Format
		ok   bool
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, FormatJPEG, true},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, FormatPNG, true},
		{"gif87", []byte("GIF87a...."), FormatGIF, true},
		{"gif89", []byte("GIF89a...."), FormatGIF, true},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), FormatWebP, true},
		{"short", []byte{0xFF}, "", false},
		{"text", []byte("hello world!"), "", false},
	}
	for _, tc := range cases {
		got, ok := Sniff(tc.data)
		if got != tc.want || ok != tc.ok {
			t.Errorf("%s: Sniff = (%q, %v), want (%q, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestEncodeDecodeRoundTripPreservesDimensions(t *testing.T) {
	src := testImage(160, 120)

	b64, err := EncodeBase64(src, 80)
	if err != nil {
		t.Fatalf("EncodeBase64: %v", err)
	}
	if !strings.HasPrefix(b64, "data:image/jpeg;base64,") {
		t.Fatalf("missing data URI prefix: %.40s", b64)
	}

	decoded, format, err := Decode(b64)
	if err != nil {
		t.Fatalf("Decode round trip: %v", err)
	}
	if format != FormatJPEG {
		t.Fatalf("format = %q, want jpeg", format)
	}
	if decoded.Bounds().Dx() != 160 || decoded.Bounds().Dy() != 120 {
		t.Fatalf("round trip bounds = %v, want 160x120", decoded.Bounds())
	}
}

func TestEncodeJPEGClampsQuality(t *testing.T) {
	src := testImage(64, 64)

	low, err := EncodeJPEG(src, -10)
	if err != nil {
		t.Fatalf("EncodeJPEG low: %v", err)
	}
	high, err := EncodeJPEG(src, 500)
	if err != nil {
		t.Fatalf("EncodeJPEG high: %v", err)
	}
	if len(low) >= len(high) {
		t.Fatalf("quality 1 output (%d bytes) should be smaller than quality 100 (%d bytes)", len(low), len(high))
	}
}

func TestScaleHalvesDimensions(t *testing.T) {
	src := testImage(200, 100)
	scaled := Scale(src, 0.5)
	if scaled.Bounds().Dx() != 100 || scaled.Bounds().Dy() != 50 {
		t.Fatalf("scaled bounds = %v, want 100x50", scaled.Bounds())
	}
}

func TestScaleIdentityReturnsInput(t *testing.T) {
	src := testImage(64, 64)
	if Scale(src, 1.0) != image.Image(src) {
		t.Fatal("factor 1.0 must return the input image")
	}
	if Scale(src, 1.5) != image.Image(src) {
		t.Fatal("factor > 1.0 must return the input image")
	}
}

func TestScaleClampsTinyFactor(t *testing.T) {
	src := testImage(40, 40)
	scaled := Scale(src, -3)
	if scaled.Bounds().Dx() != 4 || scaled.Bounds().Dy() != 4 {
		t.Fatalf("scaled bounds = %v, want 4x4 (factor clamped to 0.1)", scaled.Bounds())
	}
}

func TestScaleNeverDropsBelowOnePixel(t *testing.T) {
	src := testImage(4, 4)
	scaled := Scale(src, 0.01)
	if scaled.Bounds().Dx() < 1 || scaled.Bounds().Dy() < 1 {
		t.Fatalf("scaled bounds = %v, want at least 1x1", scaled.Bounds())
	}
}

func TestToRGBAAvoidsCopyForRGBA(t *testing.T) {
	src := testImage(8, 8)
	if ToRGBA(src) != src {
		t.Fatal("ToRGBA must return *image.RGBA inputs unchanged")
	}
}
