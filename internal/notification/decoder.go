package notification

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// ErrUnknownCompression is returned for compression codes other than 0, 1 and 2.
var ErrUnknownCompression = errors.New("unknown compression type")

// Decode base64-decodes data and then decompresses it.
func Decode(data string, compression Compression) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}

	var r io.ReadCloser
	switch compression {
	case CompressionNone:
		return raw, nil
	case CompressionGzip:
		r, err = gzip.NewReader(bytes.NewReader(raw))
	case CompressionZlib:
		r, err = zlib.NewReader(bytes.NewReader(raw))
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, compression)
	}
	if err != nil {
		return nil, fmt.Errorf("opening compressed payload: %w", err)
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return out, nil
}

// Encode compresses payload and base64-encodes the result.
func Encode(payload []byte, compression Compression) (string, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch compression {
	case CompressionNone:
		return base64.StdEncoding.EncodeToString(payload), nil
	case CompressionGzip:
		w = gzip.NewWriter(&buf)
	case CompressionZlib:
		w = zlib.NewWriter(&buf)
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownCompression, compression)
	}
	if _, err := w.Write(payload); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// KeyListPayload is the body of a KeyList memberships update.
type KeyListPayload struct {
	Added   []uint64 `json:"a"`
	Removed []uint64 `json:"r"`
}

// DecodeKeyList decodes a KeyList payload.
func DecodeKeyList(data string, compression Compression) (*KeyListPayload, error) {
	raw, err := Decode(data, compression)
	if err != nil {
		return nil, err
	}
	var kl KeyListPayload
	if err := json.Unmarshal(raw, &kl); err != nil {
		return nil, fmt.Errorf("decoding key list: %w", err)
	}
	return &kl, nil
}

// DecodeBitmap decodes a BoundedFetchRequest payload.
func DecodeBitmap(data string, compression Compression) (Bitmap, error) {
	raw, err := Decode(data, compression)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty bitmap")
	}
	return Bitmap(raw), nil
}
