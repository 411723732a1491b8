package billing

import (
	"context"
	"fmt"
	"strings"
)

const (
	defaultEmailScanPageSize = 100
	defaultEmailScanMaxPages = 10
)

// Account is an application account as known to the identity directory
type Account struct {
	ID    string
	Email string
}

// AccountDirectory exposes the application's accounts to the reconciler
type AccountDirectory interface {
	// AccountExists reports whether an account with the id exists
	AccountExists(ctx context.Context, userID string) (bool, error)

	// ListAccounts returns one page of accounts. Pages start at 1. A page
	// shorter than perPage is the last one.
	ListAccounts(ctx context.Context, page, perPage int) ([]Account, error)
}

// EmailFinder is implemented by directories that can look an email up directly,
// e.g. through an index. FindAccountByEmail prefers it over paging.
type EmailFinder interface {
	FindAccountByEmail(ctx context.Context, email string) (string, error)
}

// ScanLimits bounds the email fallback scan
type ScanLimits struct {
	// PageSize is the number of accounts per page (default: 100)
	PageSize int

	// MaxPages stops the scan after this many pages (default: 10)
	MaxPages int
}

func (l ScanLimits) withDefaults() ScanLimits {
	if l.PageSize <= 0 {
		l.PageSize = defaultEmailScanPageSize
	}
	if l.MaxPages <= 0 {
		l.MaxPages = defaultEmailScanMaxPages
	}
	return l
}

// FindAccountByEmail returns the id of the account whose email matches,
// case-insensitively. Directories without an EmailFinder are paged through
// at most limits.MaxPages times. Returns ErrAccountNotFound when nothing matches
// within the bound.
func FindAccountByEmail(ctx context.Context, dir AccountDirectory, email string, limits ScanLimits) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrAccountNotFound
	}

	if finder, ok := dir.(EmailFinder); ok {
		return finder.FindAccountByEmail(ctx, email)
	}

	limits = limits.withDefaults()
	for page := 1; page <= limits.MaxPages; page++ {
		accounts, err := dir.ListAccounts(ctx, page, limits.PageSize)
		if err != nil {
			return "", fmt.Errorf("failed to list accounts (page %d): %w", page, err)
		}
		for _, acct := range accounts {
			if strings.EqualFold(acct.Email, email) {
				return acct.ID, nil
			}
		}
		if len(accounts) < limits.PageSize {
			break
		}
	}

	return "", ErrAccountNotFound
}
