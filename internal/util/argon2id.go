package util

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams are stored next to each derived key so the cost can be
// raised without invalidating older hashes.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

func DeriveArgon2idKey(secret string, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.KeyLen < 16 || params.Time == 0 || params.MemoryKiB == 0 || params.Parallelism == 0 {
		return nil, errors.New("invalid argon2id parameters")
	}
	return argon2.IDKey([]byte(secret), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen), nil
}

func CompareArgon2idKey(secret string, salt []byte, params Argon2idParams, expected []byte) (bool, error) {
	key, err := DeriveArgon2idKey(secret, salt, params)
	if err != nil {
		return false, err
	}
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}
