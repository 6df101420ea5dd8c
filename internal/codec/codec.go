// Package codec converts between the base64 frame payloads on the wire
// and in-memory rasters. Decode accepts JPEG, PNG, GIF and WebP sources;
// encode always produces JPEG at the profile's quality.
package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/webp"
)

// Format identifies the sniffed source encoding of a decoded frame.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatWebP Format = "webp"
)

// Size bounds for a single decoded frame payload.
const (
	MinFrameBytes = 500
	MaxFrameBytes = 20 * 1024 * 1024
)

var (
	ErrEmptyFrame    = errors.New("codec: empty frame data")
	ErrTooSmall      = errors.New("codec: frame below minimum size")
	ErrTooLarge      = errors.New("codec: frame exceeds maximum size")
	ErrBadBase64     = errors.New("codec: invalid base64 payload")
	ErrUnknownFormat = errors.New("codec: unrecognized image format")
)

// Decode converts a base64 frame payload into a raster. An optional
// data:image/*;base64, prefix is stripped first. The payload must fall
// within [MinFrameBytes, MaxFrameBytes] and start with the magic bytes
// of a supported format.
func Decode(b64 string) (image.Image, Format, error) {
	payload := strings.TrimSpace(b64)
	if payload == "" {
		return nil, "", ErrEmptyFrame
	}

	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("%w: malformed data URI", ErrBadBase64)
		}
		payload = payload[comma+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBadBase64, err)
	}

	if len(raw) < MinFrameBytes {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrTooSmall, len(raw))
	}
	if len(raw) > MaxFrameBytes {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}

	format, ok := Sniff(raw)
	if !ok {
		return nil, "", ErrUnknownFormat
	}

	var img image.Image
	switch format {
	case FormatJPEG:
		img, err = jpeg.Decode(bytes.NewReader(raw))
	case FormatPNG:
		img, err = png.Decode(bytes.NewReader(raw))
	case FormatGIF:
		img, err = gif.Decode(bytes.NewReader(raw))
	case FormatWebP:
		img, err = webp.Decode(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, format, fmt.Errorf("codec: decode %s: %w", format, err)
	}
	return img, format, nil
}

// Sniff identifies the image format from its leading magic bytes.
func Sniff(data []byte) (Format, bool) {
	if len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return FormatJPEG, true
	}
	if len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}) {
		return FormatPNG, true
	}
	if len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))) {
		return FormatGIF, true
	}
	if len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return FormatWebP, true
	}
	return "", false
}

// EncodeJPEG encodes a raster as baseline JPEG at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	buf := getBuffer()
	defer putBuffer(buf)

	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("codec: encode jpeg: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// EncodeBase64 encodes a raster as JPEG and wraps it in the data URI
// form clients render directly.
func EncodeBase64(img image.Image, quality int) (string, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	buf := getBuffer()
	defer putBuffer(buf)

	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("codec: encode jpeg: %w", err)
	}

	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
