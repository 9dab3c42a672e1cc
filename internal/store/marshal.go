package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/holdfast/internal/ir"
)

// Op bodies, signed headers and entry content are stored as JSON TEXT.
// Object keys are sorted by ir.Object.MarshalJSON so the stored bytes are
// stable across writes.

func marshalOp(op ir.Op) (string, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("marshal op: %w", err)
	}
	return string(data), nil
}

func unmarshalOp(data string) (ir.Op, error) {
	var op ir.Op
	if err := json.Unmarshal([]byte(data), &op); err != nil {
		return ir.Op{}, fmt.Errorf("unmarshal op: %w", err)
	}
	return op, nil
}

func marshalSigned(sh ir.SignedHeader) (string, error) {
	data, err := json.Marshal(sh)
	if err != nil {
		return "", fmt.Errorf("marshal signed header: %w", err)
	}
	return string(data), nil
}

func unmarshalSigned(data string) (ir.SignedHeader, error) {
	var sh ir.SignedHeader
	if err := json.Unmarshal([]byte(data), &sh); err != nil {
		return ir.SignedHeader{}, fmt.Errorf("unmarshal signed header: %w", err)
	}
	return sh, nil
}

func marshalContent(obj ir.Object) (string, error) {
	if obj == nil {
		return "{}", nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal entry content: %w", err)
	}
	return string(data), nil
}

// unmarshalContent uses ir.Object.UnmarshalJSON, which keeps integers
// exact instead of going through float64.
func unmarshalContent(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	var obj ir.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal entry content: %w", err)
	}
	return obj, nil
}

func marshalMissing(missing []ir.Hash) string {
	if len(missing) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(missing)
	return string(data)
}

func unmarshalMissing(data string) ([]ir.Hash, error) {
	missing := []ir.Hash{}
	if data == "" || data == "[]" {
		return missing, nil
	}
	if err := json.Unmarshal([]byte(data), &missing); err != nil {
		return nil, fmt.Errorf("unmarshal missing: %w", err)
	}
	return missing, nil
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
