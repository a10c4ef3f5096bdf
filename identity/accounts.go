package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/gatekeeper/internal/util"
	"github.com/jmcleod/gatekeeper/storage"
)

const (
	accountBucket     = "accounts"
	accountRecordType = "ACCOUNT"
)

// RepositoryAccounts stores accounts in a storage.Repository.
type RepositoryAccounts struct {
	repo storage.Repository
}

var _ AccountRepository = (*RepositoryAccounts)(nil)

// NewRepositoryAccounts returns an account repository backed by repo.
func NewRepositoryAccounts(repo storage.Repository) *RepositoryAccounts {
	return &RepositoryAccounts{repo: repo}
}

func (a *RepositoryAccounts) GetAccount(ctx context.Context, id string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	rec, err := a.repo.Get(ctx, accountBucket, accountRecordType, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return Account{}, fmt.Errorf("%s: %w", id, ErrAccountNotFound)
	}
	if err != nil {
		return Account{}, err
	}
	var acct Account
	if err := rec.Decode(&acct); err != nil {
		return Account{}, fmt.Errorf("decoding account %s: %w", id, err)
	}
	return acct, nil
}

// PutAccount creates or replaces an account. The email is normalised.
func (a *RepositoryAccounts) PutAccount(ctx context.Context, acct Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if acct.ID == "" {
		return errors.New("account id is required")
	}
	role, err := ParseRole(string(acct.Role))
	if err != nil {
		return err
	}
	acct.Role = role
	acct.Email = util.NormalizeIdentifier(acct.Email)
	rec, err := storage.NewJSONRecord(acct)
	if err != nil {
		return err
	}
	return a.repo.Put(ctx, accountBucket, accountRecordType, acct.ID, rec)
}

// ListAccounts returns every account ordered by ID.
func (a *RepositoryAccounts) ListAccounts(ctx context.Context) ([]Account, error) {
	ids, err := a.repo.List(ctx, accountBucket, accountRecordType)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		acct, err := a.GetAccount(ctx, id)
		if errors.Is(err, ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}
