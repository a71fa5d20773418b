package harmonic

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeFrame serializes a feed frame to msgpack for the live subscription.
//
// The feed uses msgpack rather than JSON: frames are high-volume, the schema
// is fixed, and binary payloads survive without base64 inflation. HTTP
// request/response bodies stay JSON.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", f.ID, err)
	}
	return data, nil
}

// DecodeFrame parses a msgpack feed frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
