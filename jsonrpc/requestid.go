package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC correlation token that can be either a string or a
// number. The zero value (and a nil pointer) represent "no ID", i.e. a
// notification.
type RequestID struct {
	value any
}

// NewRequestID creates a RequestID from a string or numeric value. Any other
// type yields a nil ID.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return &RequestID{value: v}
	default:
		return &RequestID{value: nil}
	}
}

// String returns the string representation of the ID, or "" when unset.
func (id *RequestID) String() string {
	if id == nil || id.value == nil {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Value returns the underlying value.
func (id *RequestID) Value() any {
	if id == nil {
		return nil
	}
	return id.value
}

// IsNil reports whether the ID is unset.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// Equal reports whether two IDs carry the same correlation token. Numeric
// IDs are compared by their canonical string form so int64(1) and float64(1)
// correlate.
func (id *RequestID) Equal(other *RequestID) bool {
	if id.IsNil() || other.IsNil() {
		return id.IsNil() && other.IsNil()
	}
	return id.String() == other.String()
}

// MarshalJSON implements json.Marshaler.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
}
