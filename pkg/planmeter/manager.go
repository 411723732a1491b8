package planmeter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultStoreTimeout = 3 * time.Second

// Manager answers entitlement and quota questions over a Storage backend.
// It holds no mutable state, so one Manager can serve every request.
type Manager struct {
	storage Storage
	config  Config
}

// NewManager creates a new manager with the given storage and configuration
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	limits := make(map[Category]int, len(DefaultFreeLimits))
	for cat, limit := range DefaultFreeLimits {
		limits[cat] = limit
	}
	for cat, limit := range config.FreeLimits {
		if cat.Actions() == nil {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidAction, cat)
		}
		if limit < 0 {
			return nil, fmt.Errorf("free limit for %q must not be negative", cat)
		}
		limits[cat] = limit
	}
	config.FreeLimits = limits

	if config.Location == nil {
		config.Location = time.Local
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = defaultStoreTimeout
	}
	if config.TimeSource == nil {
		config.TimeSource = SystemClock{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}

	return &Manager{
		storage: storage,
		config:  config,
	}, nil
}

// FreeLimit returns the monthly free-tier allowance for a category
func (m *Manager) FreeLimit(category Category) int {
	return m.config.FreeLimits[category]
}

// CurrentWindow returns the monthly window quotas are counted in right now
func (m *Manager) CurrentWindow(ctx context.Context) Window {
	return MonthWindow(m.now(ctx), m.config.Location)
}

// GetRecord returns the stored subscription record for a user
func (m *Manager) GetRecord(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	rec, err := m.storage.GetRecord(ctx, userID)
	m.config.Metrics.RecordStorageOperation("get_record", time.Since(start), ignoreNotFound(err))
	return rec, err
}

// CheckLimit reports whether the user may perform an action of the category.
//
// Paid plans are unlimited and never read the ledger. For the free plan the
// ledger is counted over the current calendar month. If the count fails the
// result is a denial and the returned error wraps ErrQuotaStore.
func (m *Manager) CheckLimit(ctx context.Context, userID string, category Category) (LimitResult, error) {
	if userID == "" {
		return LimitResult{Category: category, Plan: PlanFree}, ErrInvalidUserID
	}
	if category.Actions() == nil {
		return LimitResult{Category: category, Plan: PlanFree}, fmt.Errorf("%w: %s", ErrInvalidAction, category)
	}

	now := m.now(ctx)
	plan := m.resolvePlan(ctx, userID, now)
	return m.checkLimit(ctx, userID, category, plan.Plan, now)
}

func (m *Manager) checkLimit(ctx context.Context, userID string, category Category, plan Plan, now time.Time) (LimitResult, error) {
	start := time.Now()
	window := MonthWindow(now, m.config.Location)
	result := LimitResult{
		Category:  category,
		ResetDate: window.End,
		Plan:      plan,
	}

	if plan.Paid() {
		result.Allowed = true
		result.Unlimited = true
		result.Max = -1
		result.Remaining = -1
		m.config.Metrics.RecordLimitCheck(string(category), string(plan), true, time.Since(start))
		return result, nil
	}

	result.Max = m.FreeLimit(category)
	used, err := m.countUsage(ctx, userID, category.Actions(), window)
	if err != nil {
		m.config.Logger.Error("quota check failed closed",
			Field{"user_id", userID},
			Field{"category", string(category)},
			Field{"error", err.Error()},
		)
		m.config.Metrics.RecordLimitCheck(string(category), string(plan), false, time.Since(start))
		return result, fmt.Errorf("%w: %w", ErrQuotaStore, err)
	}

	fillCounts(&result, used)
	m.config.Metrics.RecordLimitCheck(string(category), string(plan), result.Allowed, time.Since(start))
	return result, nil
}

// RecordUsage appends one ledger entry for an action the user just performed.
// It does not check the quota; call CheckLimit first.
func (m *Manager) RecordUsage(ctx context.Context, userID string, action ActionType) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	if _, ok := CategoryOf(action); !ok {
		return fmt.Errorf("%w: %s", ErrInvalidAction, action)
	}

	return m.appendUsage(ctx, m.newEntry(userID, action, m.now(ctx)))
}

func (m *Manager) appendUsage(ctx context.Context, entry *UsageEntry) error {
	sctx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := m.storage.AppendUsage(sctx, entry)
	m.config.Metrics.RecordStorageOperation("append_usage", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	m.config.Metrics.RecordUsage(string(entry.Action), false)
	return nil
}

// Consume checks the quota and records the action in one atomic store
// operation, so concurrent callers can never overshoot the free allowance.
// It returns ErrQuotaExceeded when the pool is exhausted.
func (m *Manager) Consume(ctx context.Context, userID string, action ActionType) (LimitResult, error) {
	if userID == "" {
		return LimitResult{Plan: PlanFree}, ErrInvalidUserID
	}
	category, ok := CategoryOf(action)
	if !ok {
		return LimitResult{Plan: PlanFree}, fmt.Errorf("%w: %s", ErrInvalidAction, action)
	}

	now := m.now(ctx)
	entry := m.newEntry(userID, action, now)
	plan := m.resolvePlan(ctx, userID, now)
	if plan.Plan.Paid() {
		result, _ := m.checkLimit(ctx, userID, category, plan.Plan, now)
		if err := m.appendUsage(ctx, entry); err != nil {
			return result, err
		}
		return result, nil
	}

	window := MonthWindow(now, m.config.Location)
	result := LimitResult{
		Category:  category,
		ResetDate: window.End,
		Plan:      plan.Plan,
		Max:       m.FreeLimit(category),
	}

	sctx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	used, err := m.storage.ReserveUsage(sctx, entry, category.Actions(), window.Start, window.End, result.Max)
	m.config.Metrics.RecordStorageOperation("reserve_usage", time.Since(start), ignoreExceeded(err))
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			fillCounts(&result, used)
			return result, ErrQuotaExceeded
		}
		m.config.Logger.Error("quota reservation failed closed",
			Field{"user_id", userID},
			Field{"action", string(action)},
			Field{"error", err.Error()},
		)
		return result, fmt.Errorf("%w: %w", ErrQuotaStore, err)
	}

	fillCounts(&result, used)
	// The entry just written is counted in used; the caller was allowed
	result.Allowed = true
	m.config.Metrics.RecordUsage(string(action), true)
	return result, nil
}

// Usage returns the user's standing in every category. Categories are counted
// concurrently against a single plan resolution.
func (m *Manager) Usage(ctx context.Context, userID string) (*UsageSummary, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	now := m.now(ctx)
	plan := m.resolvePlan(ctx, userID, now)
	categories := Categories()
	limits := make([]LimitResult, len(categories))

	var g errgroup.Group
	for i, cat := range categories {
		g.Go(func() error {
			result, err := m.checkLimit(ctx, userID, cat, plan.Plan, now)
			limits[i] = result
			return err
		})
	}
	err := g.Wait()

	return &UsageSummary{
		UserID: userID,
		Plan:   plan.Plan,
		Status: plan.Status,
		Limits: limits,
	}, err
}

func (m *Manager) countUsage(ctx context.Context, userID string, actions []ActionType, window Window) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	used, err := m.storage.CountUsage(ctx, userID, actions, window.Start, window.End)
	m.config.Metrics.RecordStorageOperation("count_usage", time.Since(start), err)
	return used, err
}

func (m *Manager) newEntry(userID string, action ActionType, now time.Time) *UsageEntry {
	return &UsageEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		Action:     action,
		OccurredAt: now,
	}
}

// now reads the time source under the store timeout; a slow or failing
// clock falls back to local time rather than stalling the request.
func (m *Manager) now(ctx context.Context) time.Time {
	ctx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	defer cancel()

	now, err := m.config.TimeSource.Now(ctx)
	if err != nil {
		m.config.Logger.Warn("time source failed, using local clock", Field{"error", err.Error()})
		return time.Now()
	}
	return now
}

func fillCounts(result *LimitResult, used int) {
	result.Used = used
	result.Remaining = result.Max - used
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	result.Allowed = used < result.Max
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	return err
}

func ignoreExceeded(err error) error {
	if errors.Is(err, ErrQuotaExceeded) {
		return nil
	}
	return err
}
