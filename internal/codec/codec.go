// Package codec implements the transport encoding shared with the remote
// compute endpoints: gzip-compressed, base64-encoded blobs whose JSON bodies
// may embed typed binary payloads.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// typeTag marks values that JSON cannot carry natively. Binary payloads
// travel as {"__type__":"bytes","__data__":"<base64>"}.
const (
	typeKey  = "__type__"
	dataKey  = "__data__"
	tagBytes = "bytes"
)

// CompressString gzips a string and returns it base64-encoded.
func CompressString(s string) (string, error) {
	return compress([]byte(s))
}

// CompressJSON serializes v to JSON (wrapping embedded binary values) and
// returns the gzipped, base64-encoded result.
func CompressJSON(v any) (string, error) {
	raw, err := json.Marshal(wrap(v))
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return compress(raw)
}

// DecompressString reverses CompressString.
func DecompressString(s string) (string, error) {
	raw, err := decompress(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecompressJSON decodes a compressed JSON object and runs the restoration
// pass so embedded binary payloads come back as []byte.
func DecompressJSON(s string) (map[string]any, error) {
	raw, err := decompress(s)
	if err != nil {
		return nil, err
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	restored, ok := Restore(v).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("result is not an object")
	}
	return restored, nil
}

func compress(raw []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("gzip close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decompress(s string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return raw, nil
}

// wrap converts values JSON cannot represent into tagged objects.
func wrap(v any) any {
	switch x := v.(type) {
	case []byte:
		return map[string]any{
			typeKey: tagBytes,
			dataKey: base64.StdEncoding.EncodeToString(x),
		}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = wrap(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = wrap(val)
		}
		return out
	default:
		return v
	}
}

// Restore walks a decoded JSON value and converts tagged objects back to their
// native types. Unrecognized structures pass through untouched.
func Restore(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if tag, ok := x[typeKey].(string); ok && tag == tagBytes {
			if data, ok := x[dataKey].(string); ok {
				if raw, err := base64.StdEncoding.DecodeString(data); err == nil {
					return raw
				}
			}
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Restore(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Restore(val)
		}
		return out
	default:
		return v
	}
}
