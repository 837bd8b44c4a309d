package rabbitmq

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// maxDecodedBody caps decompressed payloads.
const maxDecodedBody = 1 << 20

// ErrUnsupportedEncoding is returned for unknown content encodings.
var ErrUnsupportedEncoding = errors.New("rabbitmq: unsupported content encoding")

var errBodyTooLarge = errors.New("rabbitmq: decoded body too large")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("rabbitmq: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBody))
	if err != nil {
		panic("rabbitmq: zstd decoder initialization failed: " + err.Error())
	}
}

// DecodeBody reverses the AMQP content encoding.
func DecodeBody(body []byte, encoding string) ([]byte, error) {
	switch normalizeEncoding(encoding) {
	case "", "identity":
		return body, nil
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer reader.Close()
		return readLimited(reader)
	case "zstd":
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if len(decoded) > maxDecodedBody {
			return nil, errBodyTooLarge
		}
		return decoded, nil
	case "lz4":
		return readLimited(lz4.NewReader(bytes.NewReader(body)))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

// EncodeBody applies a content encoding.
func EncodeBody(body []byte, encoding string) ([]byte, error) {
	switch normalizeEncoding(encoding) {
	case "", "identity":
		return body, nil
	case "gzip":
		var buf bytes.Buffer
		writer := gzip.NewWriter(&buf)
		if _, err := writer.Write(body); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "zstd":
		return zstdEncoder.EncodeAll(body, nil), nil
	case "lz4":
		var buf bytes.Buffer
		writer := lz4.NewWriter(&buf)
		if _, err := writer.Write(body); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

// Fingerprint identifies a message body for attempt tracking and dead letters.
func Fingerprint(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func readLimited(r io.Reader) ([]byte, error) {
	decoded, err := io.ReadAll(io.LimitReader(r, maxDecodedBody+1))
	if err != nil {
		return nil, err
	}
	if len(decoded) > maxDecodedBody {
		return nil, errBodyTooLarge
	}
	return decoded, nil
}

func normalizeEncoding(encoding string) string {
	return strings.ToLower(strings.TrimSpace(encoding))
}
