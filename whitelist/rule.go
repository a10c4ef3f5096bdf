// Package whitelist manages the operator-maintained IP whitelist used by
// admin-tier routes.
package whitelist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/jmcleod/gatekeeper/internal/uuid"
	"github.com/jmcleod/gatekeeper/storage"
)

var (
	// ErrRuleNotFound is returned for an unknown rule ID.
	ErrRuleNotFound = errors.New("whitelist rule not found")
	// ErrInvalidCIDR is returned when a rule's range is neither a CIDR nor
	// an address literal.
	ErrInvalidCIDR = errors.New("invalid cidr")
)

// Rule is a single whitelist entry.
type Rule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CIDR        string    `json:"cidr"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Source supplies the rules in force. The gate only ever reads.
type Source interface {
	ActiveRules(ctx context.Context) ([]Rule, error)
}

// ValidateCIDR checks that s is a CIDR block or a bare address.
func ValidateCIDR(s string) error {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		if _, err := netip.ParsePrefix(s); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
		}
		return nil
	}
	if _, err := netip.ParseAddr(s); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
	}
	return nil
}

const (
	ruleBucket     = "ip_whitelist"
	ruleRecordType = "RULE"
)

// Rules stores whitelist rules in a storage.Repository.
type Rules struct {
	repo   storage.Repository
	now    func() time.Time
	logger *slog.Logger
}

var _ Source = (*Rules)(nil)

// RulesOption configures Rules.
type RulesOption func(*Rules)

// WithClock overrides the time source for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) RulesOption {
	return func(r *Rules) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RulesOption {
	return func(r *Rules) { r.logger = logger }
}

// NewRules returns a rule set backed by repo.
func NewRules(repo storage.Repository, opts ...RulesOption) *Rules {
	r := &Rules{repo: repo, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "whitelist")
	return r
}

// Add creates an active rule.
func (r *Rules) Add(ctx context.Context, name, cidr, description string) (Rule, error) {
	if err := ctx.Err(); err != nil {
		return Rule{}, err
	}
	cidr = strings.TrimSpace(cidr)
	if err := ValidateCIDR(cidr); err != nil {
		return Rule{}, err
	}
	now := r.now().UTC()
	rule := Rule{
		ID:          uuid.New(),
		Name:        strings.TrimSpace(name),
		CIDR:        cidr,
		Description: description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.put(ctx, rule); err != nil {
		return Rule{}, err
	}
	r.logger.Info("whitelist rule added", "rule_id", rule.ID, "cidr", rule.CIDR)
	return rule, nil
}

func (r *Rules) put(ctx context.Context, rule Rule) error {
	rec, err := storage.NewJSONRecord(rule)
	if err != nil {
		return err
	}
	return r.repo.Put(ctx, ruleBucket, ruleRecordType, rule.ID, rec)
}

// Get returns the rule with the given ID.
func (r *Rules) Get(ctx context.Context, id string) (Rule, error) {
	if err := ctx.Err(); err != nil {
		return Rule{}, err
	}
	rec, err := r.repo.Get(ctx, ruleBucket, ruleRecordType, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return Rule{}, fmt.Errorf("%s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return Rule{}, err
	}
	var rule Rule
	if err := rec.Decode(&rule); err != nil {
		return Rule{}, fmt.Errorf("decoding rule %s: %w", id, err)
	}
	return rule, nil
}

// List returns every rule, oldest first.
func (r *Rules) List(ctx context.Context) ([]Rule, error) {
	ids, err := r.repo.List(ctx, ruleBucket, ruleRecordType)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		rule, err := r.Get(ctx, id)
		if errors.Is(err, ErrRuleNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	sortRules(out)
	return out, nil
}

// ActiveRules returns the rules currently in force.
func (r *Rules) ActiveRules(ctx context.Context) ([]Rule, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, rule := range all {
		if rule.IsActive {
			active = append(active, rule)
		}
	}
	return active, nil
}

// SetActive enables or disables a rule.
func (r *Rules) SetActive(ctx context.Context, id string, active bool) (Rule, error) {
	rule, err := r.Get(ctx, id)
	if err != nil {
		return Rule{}, err
	}
	if rule.IsActive == active {
		return rule, nil
	}
	rule.IsActive = active
	rule.UpdatedAt = r.now().UTC()
	if err := r.put(ctx, rule); err != nil {
		return Rule{}, err
	}
	r.logger.Info("whitelist rule updated", "rule_id", id, "active", active)
	return rule, nil
}

// Remove deletes a rule.
func (r *Rules) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := r.repo.Delete(ctx, ruleBucket, ruleRecordType, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return fmt.Errorf("%s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return err
	}
	r.logger.Info("whitelist rule removed", "rule_id", id)
	return nil
}

func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}
