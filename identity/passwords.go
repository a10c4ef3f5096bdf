package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/gatekeeper/internal/util"
	"github.com/jmcleod/gatekeeper/storage"
)

const (
	credentialBucket  = "credentials"
	passwordType      = "PASSWORD"
	emailIndexType    = "EMAIL"
	minPasswordLength = 10
	saltLength        = 16
)

var (
	// ErrInvalidCredentials is returned when an email and password do not
	// match a stored credential.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrWeakPassword is returned by SetPassword for passwords that are too
	// short.
	ErrWeakPassword = fmt.Errorf("password must be at least %d characters", minPasswordLength)
)

type passwordRecord struct {
	UserID    string              `json:"user_id"`
	Salt      []byte              `json:"salt"`
	Key       []byte              `json:"key"`
	Params    util.Argon2idParams `json:"params"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Passwords keeps argon2id password hashes in a storage.Repository, with
// an index from normalised email to user ID.
type Passwords struct {
	repo     storage.Repository
	accounts AccountRepository
	params   util.Argon2idParams
	dummy    passwordRecord
}

// PasswordsOption configures Passwords.
type PasswordsOption func(*Passwords)

// WithHashParams overrides the argon2id cost used for new hashes.
func WithHashParams(p util.Argon2idParams) PasswordsOption {
	return func(s *Passwords) { s.params = p }
}

// NewPasswords returns a credential store backed by repo. Accounts are
// resolved through accounts.
func NewPasswords(repo storage.Repository, accounts AccountRepository, opts ...PasswordsOption) *Passwords {
	s := &Passwords{repo: repo, accounts: accounts, params: util.DefaultArgon2idParams()}
	for _, opt := range opts {
		opt(s)
	}
	s.dummy = passwordRecord{Salt: make([]byte, saltLength), Key: make([]byte, s.params.KeyLen), Params: s.params}
	return s
}

// SetPassword stores a new password for an existing account and indexes
// the account's email for Authenticate.
func (s *Passwords) SetPassword(ctx context.Context, userID, password string) error {
	if len(password) < minPasswordLength {
		return ErrWeakPassword
	}
	acct, err := s.accounts.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	email := util.NormalizeIdentifier(acct.Email)
	if email == "" {
		return fmt.Errorf("account %s has no email", userID)
	}

	salt, err := util.RandomBytes(saltLength)
	if err != nil {
		return err
	}
	key, err := util.DeriveArgon2idKey(password, salt, s.params)
	if err != nil {
		return err
	}
	rec, err := storage.NewJSONRecord(passwordRecord{
		UserID:    userID,
		Salt:      salt,
		Key:       key,
		Params:    s.params,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	index, err := storage.NewJSONRecord(userID)
	if err != nil {
		return err
	}
	return s.repo.Update(ctx, credentialBucket, func(tx storage.Tx) error {
		if err := tx.Put(passwordType, userID, rec); err != nil {
			return err
		}
		return tx.Put(emailIndexType, email, index)
	})
}

// Authenticate checks email and password. On ErrInvalidCredentials the
// returned account carries the user ID when the email matched an account,
// so failures can still be attributed. Unknown emails cost the same
// key derivation as known ones.
func (s *Passwords) Authenticate(ctx context.Context, email, password string) (Account, error) {
	email = util.NormalizeIdentifier(email)
	userID, err := s.lookupEmail(ctx, email)
	if err != nil {
		return Account{}, err
	}
	if userID == "" {
		s.compare(s.dummy, password)
		return Account{}, ErrInvalidCredentials
	}

	cred, err := s.loadPassword(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	acct, err := s.accounts.GetAccount(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		s.compare(cred, password)
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}
	// An email changed after the password was set no longer signs in.
	if !s.compare(cred, password) || util.NormalizeIdentifier(acct.Email) != email {
		return Account{ID: acct.ID}, ErrInvalidCredentials
	}
	return acct, nil
}

func (s *Passwords) compare(rec passwordRecord, password string) bool {
	ok, err := util.CompareArgon2idKey(password, rec.Salt, rec.Params, rec.Key)
	return err == nil && ok
}

func (s *Passwords) lookupEmail(ctx context.Context, email string) (string, error) {
	if email == "" {
		return "", nil
	}
	rec, err := s.repo.Get(ctx, credentialBucket, emailIndexType, email)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading email index: %w", err)
	}
	var userID string
	if err := rec.Decode(&userID); err != nil {
		return "", fmt.Errorf("decoding email index: %w", err)
	}
	return userID, nil
}

func (s *Passwords) loadPassword(ctx context.Context, userID string) (passwordRecord, error) {
	rec, err := s.repo.Get(ctx, credentialBucket, passwordType, userID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return s.dummy, nil
	}
	if err != nil {
		return passwordRecord{}, fmt.Errorf("loading password: %w", err)
	}
	var out passwordRecord
	if err := rec.Decode(&out); err != nil {
		return passwordRecord{}, fmt.Errorf("decoding password for %s: %w", userID, err)
	}
	return out, nil
}
