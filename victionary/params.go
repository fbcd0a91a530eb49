package victionary

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeParams serializes a type's parameter list (e.g. a vector
// dimension) into the opaque blob carried by context keys. The encoding is
// deterministic for a given parameter list, so equal parameters produce
// equal keys.
func EncodeParams(params ...any) ([]byte, error) {
	if len(params) == 0 {
		return nil, nil
	}
	b, err := msgpack.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("victionary: encode type parameters: %w", err)
	}
	return b, nil
}

// DecodeParams deserializes a parameter blob produced by EncodeParams.
func DecodeParams(blob []byte) ([]any, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var out []any
	if err := msgpack.Unmarshal(blob, &out); err != nil {
		return nil, fmt.Errorf("victionary: decode type parameters: %w", err)
	}
	return out, nil
}
