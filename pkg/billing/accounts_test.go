package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagedDirectory serves accounts page by page and counts the pages read
type pagedDirectory struct {
	accounts  []Account
	pagesRead int
	err       error
}

func (d *pagedDirectory) AccountExists(_ context.Context, userID string) (bool, error) {
	for _, a := range d.accounts {
		if a.ID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d *pagedDirectory) ListAccounts(_ context.Context, page, perPage int) ([]Account, error) {
	d.pagesRead++
	if d.err != nil {
		return nil, d.err
	}
	start := (page - 1) * perPage
	if start >= len(d.accounts) {
		return nil, nil
	}
	end := start + perPage
	if end > len(d.accounts) {
		end = len(d.accounts)
	}
	return d.accounts[start:end], nil
}

// indexedDirectory also implements EmailFinder
type indexedDirectory struct {
	pagedDirectory
	lookups int
}

func (d *indexedDirectory) FindAccountByEmail(_ context.Context, email string) (string, error) {
	d.lookups++
	if email == "indexed@example.com" {
		return "indexed-user", nil
	}
	return "", ErrAccountNotFound
}

func newPagedDirectory(n int) *pagedDirectory {
	dir := &pagedDirectory{}
	for i := 0; i < n; i++ {
		dir.accounts = append(dir.accounts, Account{
			ID:    fmt.Sprintf("user-%d", i),
			Email: fmt.Sprintf("user%d@example.com", i),
		})
	}
	return dir
}

func TestFindAccountByEmail_PagedScan(t *testing.T) {
	dir := newPagedDirectory(25)
	ctx := context.Background()

	id, err := FindAccountByEmail(ctx, dir, "  USER17@Example.com ", ScanLimits{PageSize: 10, MaxPages: 5})
	require.NoError(t, err)
	assert.Equal(t, "user-17", id)
	assert.Equal(t, 2, dir.pagesRead)
}

func TestFindAccountByEmail_StopsAtShortPage(t *testing.T) {
	dir := newPagedDirectory(25)

	_, err := FindAccountByEmail(context.Background(), dir, "missing@example.com", ScanLimits{PageSize: 10, MaxPages: 50})
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, 3, dir.pagesRead)
}

func TestFindAccountByEmail_Bounded(t *testing.T) {
	dir := newPagedDirectory(100)

	// user-95 lives on page 10, past the bound
	_, err := FindAccountByEmail(context.Background(), dir, "user95@example.com", ScanLimits{PageSize: 10, MaxPages: 3})
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, 3, dir.pagesRead)
}

func TestFindAccountByEmail_PrefersEmailFinder(t *testing.T) {
	dir := &indexedDirectory{pagedDirectory: *newPagedDirectory(5)}

	id, err := FindAccountByEmail(context.Background(), dir, "indexed@example.com", ScanLimits{})
	require.NoError(t, err)
	assert.Equal(t, "indexed-user", id)
	assert.Equal(t, 1, dir.lookups)
	assert.Zero(t, dir.pagesRead)
}

func TestFindAccountByEmail_EmptyEmail(t *testing.T) {
	dir := newPagedDirectory(5)
	_, err := FindAccountByEmail(context.Background(), dir, "   ", ScanLimits{})
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Zero(t, dir.pagesRead)
}

func TestFindAccountByEmail_DirectoryError(t *testing.T) {
	boom := errors.New("directory unavailable")
	dir := &pagedDirectory{err: boom}

	_, err := FindAccountByEmail(context.Background(), dir, "user@example.com", ScanLimits{})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrAccountNotFound)
}

func TestScanLimitsDefaults(t *testing.T) {
	l := ScanLimits{}.withDefaults()
	assert.Equal(t, 100, l.PageSize)
	assert.Equal(t, 10, l.MaxPages)

	l = ScanLimits{PageSize: 5, MaxPages: 2}.withDefaults()
	assert.Equal(t, 5, l.PageSize)
	assert.Equal(t, 2, l.MaxPages)
}
