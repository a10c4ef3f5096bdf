package storage

import (
	"encoding/json"
	"fmt"
)

// KindJSON marks a record whose Data is a JSON document.
const KindJSON = "json"

// Record is one stored value. Version is owned by the caller and is only
// interpreted by PutCAS.
type Record struct {
	Ver     int    `json:"ver"`
	Kind    string `json:"kind"`
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// NewJSONRecord marshals v into a JSON record.
func NewJSONRecord(v any, version ...uint64) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	rec := &Record{
		Ver:  1,
		Kind: KindJSON,
		Data: data,
	}
	if len(version) > 0 {
		rec.Version = version[0]
	}
	return rec, nil
}

// Decode unmarshals a JSON record into v.
func (r *Record) Decode(v any) error {
	if r.Ver != 1 {
		return fmt.Errorf("unsupported record version: %d", r.Ver)
	}
	if r.Kind != KindJSON {
		return fmt.Errorf("unsupported record kind: %s", r.Kind)
	}
	return json.Unmarshal(r.Data, v)
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Ver:     r.Ver,
		Kind:    r.Kind,
		Data:    append([]byte(nil), r.Data...),
		Version: r.Version,
	}
}
