package framegen

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"

	"framereel/internal/config"
)

// Decoder turns a backend's textual image payload into raster bytes.
type Decoder interface {
	Name() string
	Decode(payload string) ([]byte, error)
}

// Base64Decoder accepts standard or unpadded base64, with or without a data
// URI prefix.
type Base64Decoder struct{}

func (Base64Decoder) Name() string { return config.EncodingBase64 }

func (Base64Decoder) Decode(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if idx := strings.Index(payload, ";base64,"); idx >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+len(";base64,"):]
	}
	if payload == "" {
		return nil, errors.New("empty base64 payload")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return data, nil
}

// HexDecoder accepts a hex-encoded payload.
type HexDecoder struct{}

func (HexDecoder) Name() string { return config.EncodingHex }

func (HexDecoder) Decode(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, errors.New("empty hex payload")
	}
	data, err := hex.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return data, nil
}

// DecoderFor returns the decoding strategy registered under name.
func DecoderFor(name string) (Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case config.EncodingBase64:
		return Base64Decoder{}, nil
	case config.EncodingHex:
		return HexDecoder{}, nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", name)
	}
}

// decodeRaster validates that data is a PNG, JPEG, or WebP image.
func decodeRaster(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", errors.New("empty image data")
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, "", fmt.Errorf("decode image: empty bounds %v", bounds)
	}
	return img, format, nil
}
