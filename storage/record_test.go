package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONRecordRoundTrip(t *testing.T) {
	rec, err := NewJSONRecord(sample{Name: "login", Count: 3}, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Ver)
	assert.Equal(t, KindJSON, rec.Kind)
	assert.Equal(t, uint64(7), rec.Version)

	var got sample
	require.NoError(t, rec.Decode(&got))
	assert.Equal(t, sample{Name: "login", Count: 3}, got)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	rec := &Record{Ver: 1, Kind: "aes256gcm", Data: []byte("{}")}
	var got sample
	assert.Error(t, rec.Decode(&got))

	rec = &Record{Ver: 2, Kind: KindJSON, Data: []byte("{}")}
	assert.Error(t, rec.Decode(&got))
}

func TestCloneIsDeep(t *testing.T) {
	rec := &Record{Ver: 1, Kind: KindJSON, Data: []byte(`{"a":1}`)}
	cp := rec.Clone()
	cp.Data[0] = 'X'
	assert.Equal(t, byte('{'), rec.Data[0])

	var nilRec *Record
	assert.Nil(t, nilRec.Clone())
}
