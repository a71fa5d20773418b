package harmonic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// MarshalCanonical serializes a row to canonical JSON TEXT.
//
// Go's json.Marshal sorts map keys alphabetically, which gives us the
// deterministic property we need: two equal rows always produce identical
// bytes. HTML escaping is disabled so the output is plain JSON, suitable for
// byte-for-byte comparison in rollback tests and golden files.
//
// A nil row serializes to "null", distinguishing "no payload" (delete
// entries) from an empty payload "{}".
func MarshalCanonical(row Row) (string, error) {
	if row == nil {
		return "null", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(row); err != nil {
		return "", fmt.Errorf("marshal row: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// UnmarshalRow parses canonical JSON TEXT back into a row.
// Empty text and "null" both decode to a nil row.
func UnmarshalRow(data string) (Row, error) {
	if data == "" || data == "null" {
		return nil, nil
	}
	var row Row
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("unmarshal row: %w", err)
	}
	return row, nil
}

// RowsEqual reports whether two rows have identical canonical encodings.
// Used by rollback verification: an optimistic write that is rejected must
// leave the replica byte-for-byte equal to its pre-write state.
func RowsEqual(a, b Row) bool {
	ca, errA := MarshalCanonical(a)
	cb, errB := MarshalCanonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca == cb
}
