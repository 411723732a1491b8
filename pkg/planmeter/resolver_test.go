package planmeter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

func TestResolvePlan_NoRecordIsFree(t *testing.T) {
	manager, _, _ := newTestManager(t)

	got := manager.ResolvePlan(context.Background(), "user1")
	assert.Equal(t, planmeter.FreeResolution, got)
}

func TestResolvePlan_StoreErrorIsFree(t *testing.T) {
	for _, storeErr := range []error{
		errors.New("connection refused"),
		context.DeadlineExceeded,
	} {
		manager, storage, _ := newTestManager(t)
		setRecord(t, storage, planmeter.PlanPremium, planmeter.StatusActive)
		storage.getErr = storeErr

		got := manager.ResolvePlan(context.Background(), "user1")
		assert.Equal(t, planmeter.FreeResolution, got, "error %v must not grant a paid plan", storeErr)
	}
}

func TestResolvePlan_EmptyUserIsFree(t *testing.T) {
	manager, _, _ := newTestManager(t)
	assert.Equal(t, planmeter.FreeResolution, manager.ResolvePlan(context.Background(), ""))
}

func TestEffective(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		rec  *planmeter.SubscriptionRecord
		want planmeter.PlanResolution
	}{
		{
			name: "nil record",
			rec:  nil,
			want: planmeter.FreeResolution,
		},
		{
			name: "active pro",
			rec:  &planmeter.SubscriptionRecord{Plan: planmeter.PlanPro, Status: planmeter.StatusActive},
			want: planmeter.PlanResolution{Plan: planmeter.PlanPro, Status: planmeter.StatusActive},
		},
		{
			name: "trialing premium",
			rec:  &planmeter.SubscriptionRecord{Plan: planmeter.PlanPremium, Status: planmeter.StatusTrialing},
			want: planmeter.PlanResolution{Plan: planmeter.PlanPremium, Status: planmeter.StatusTrialing},
		},
		{
			name: "canceled pro is free",
			rec:  &planmeter.SubscriptionRecord{Plan: planmeter.PlanPro, Status: planmeter.StatusCanceled},
			want: planmeter.FreeResolution,
		},
		{
			name: "past due premium is free",
			rec:  &planmeter.SubscriptionRecord{Plan: planmeter.PlanPremium, Status: planmeter.StatusPastDue},
			want: planmeter.FreeResolution,
		},
		{
			name: "completed lifetime",
			rec:  &planmeter.SubscriptionRecord{Plan: planmeter.PlanLifetime, Status: planmeter.StatusCompleted},
			want: planmeter.PlanResolution{Plan: planmeter.PlanLifetime, Status: planmeter.StatusCompleted},
		},
		{
			name: "completed pro is free",
			rec:  &planmeter.SubscriptionRecord{Plan: planmeter.PlanPro, Status: planmeter.StatusCompleted},
			want: planmeter.FreeResolution,
		},
		{
			name: "unknown plan is free",
			rec:  &planmeter.SubscriptionRecord{Plan: "enterprise", Status: planmeter.StatusActive},
			want: planmeter.FreeResolution,
		},
		{
			name: "cancel at period end before the end",
			rec: &planmeter.SubscriptionRecord{
				Plan: planmeter.PlanPro, Status: planmeter.StatusActive, CancelAtPeriodEnd: true, CurrentPeriodEnd: &future,
			},
			want: planmeter.PlanResolution{Plan: planmeter.PlanPro, Status: planmeter.StatusActive},
		},
		{
			name: "cancel at period end after the end",
			rec: &planmeter.SubscriptionRecord{
				Plan: planmeter.PlanPro, Status: planmeter.StatusActive, CancelAtPeriodEnd: true, CurrentPeriodEnd: &past,
			},
			want: planmeter.FreeResolution,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, planmeter.Effective(tt.rec, now))
		})
	}
}
