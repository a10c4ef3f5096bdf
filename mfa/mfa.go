// Package mfa verifies second-factor codes for admin elevation.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/jmcleod/gatekeeper/storage"
)

const (
	Issuer = "Gatekeeper"

	totpPeriod = 30
	totpSkew   = 1
)

// ErrNotEnrolled is returned when a user has no second factor.
var ErrNotEnrolled = errors.New("mfa not enrolled")

// Verifier checks a one-time code for a user. A wrong code is (false, nil);
// an error means the check could not be made.
type Verifier interface {
	Verify(ctx context.Context, userID, code string) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, userID, code string) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, userID, code string) (bool, error) {
	return f(ctx, userID, code)
}

// SecretSource returns a user's base32 TOTP secret.
type SecretSource interface {
	TOTPSecret(ctx context.Context, userID string) (string, error)
}

// TOTPVerifier validates RFC 6238 codes with pquerna/otp. A code accepted
// once is refused for the same user until its validity window has passed.
type TOTPVerifier struct {
	secrets SecretSource
	now     func() time.Time
	used    *gocache.Cache
	mu      sync.Mutex
}

var _ Verifier = (*TOTPVerifier)(nil)

// NewTOTPVerifier returns a verifier reading secrets from src.
func NewTOTPVerifier(src SecretSource, now func() time.Time) *TOTPVerifier {
	if now == nil {
		now = time.Now
	}
	window := time.Duration(totpPeriod*(2*totpSkew+1)) * time.Second
	return &TOTPVerifier{
		secrets: src,
		now:     now,
		used:    gocache.New(window, 2*window),
	}
}

func normalizeCode(code string) string {
	return strings.TrimSpace(strings.ReplaceAll(code, " ", ""))
}

func (v *TOTPVerifier) Verify(ctx context.Context, userID, code string) (bool, error) {
	secret, err := v.secrets.TOTPSecret(ctx, userID)
	if err != nil {
		return false, err
	}
	code = normalizeCode(code)
	ok, err := totp.ValidateCustom(code, secret, v.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		return false, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	key := userID + ":" + code
	if _, replay := v.used.Get(key); replay {
		return false, nil
	}
	v.used.SetDefault(key, struct{}{})
	return true, nil
}

const (
	secretBucket     = "mfa"
	secretRecordType = "TOTP"
)

type secretRecord struct {
	Secret     string    `json:"secret"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// RepositorySecrets keeps TOTP secrets in a storage.Repository.
type RepositorySecrets struct {
	repo storage.Repository
}

var _ SecretSource = (*RepositorySecrets)(nil)

// NewRepositorySecrets returns a SecretSource backed by repo.
func NewRepositorySecrets(repo storage.Repository) *RepositorySecrets {
	return &RepositorySecrets{repo: repo}
}

// Enroll generates and stores a new secret for userID, replacing any
// previous one. It returns the otpauth:// URL for authenticator apps.
func (s *RepositorySecrets) Enroll(ctx context.Context, userID, accountName string) (*otp.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      Issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp key: %w", err)
	}
	rec, err := storage.NewJSONRecord(secretRecord{Secret: key.Secret(), EnrolledAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	if err := s.repo.Put(ctx, secretBucket, secretRecordType, userID, rec); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *RepositorySecrets) TOTPSecret(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rec, err := s.repo.Get(ctx, secretBucket, secretRecordType, userID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return "", fmt.Errorf("%s: %w", userID, ErrNotEnrolled)
	}
	if err != nil {
		return "", err
	}
	var sr secretRecord
	if err := rec.Decode(&sr); err != nil {
		return "", fmt.Errorf("decoding totp secret: %w", err)
	}
	return sr.Secret, nil
}

// Unenroll removes userID's secret.
func (s *RepositorySecrets) Unenroll(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.repo.Delete(ctx, secretBucket, secretRecordType, userID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return nil
	}
	return err
}
