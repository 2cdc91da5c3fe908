package model

import "testing"

func TestRedemptionMerge(t *testing.T) {
	base := Redemption{ID: "r1", TimeGrantedMinutes: 60, Status: RedemptionActive, AllocationStatus: AllocationAllocated}

	with := func(used int, status RedemptionStatus, alloc AllocationStatus) Redemption {
		r := base
		r.TimeUsedMinutes, r.Status, r.AllocationStatus = used, status, alloc
		return r
	}

	tests := []struct {
		name       string
		a, b       Redemption
		wantUsed   int
		wantStatus RedemptionStatus
		wantAlloc  AllocationStatus
	}{
		{
			name:       "usage only grows",
			a:          with(30, RedemptionActive, AllocationAllocated),
			b:          with(10, RedemptionActive, AllocationAllocated),
			wantUsed:   30,
			wantStatus: RedemptionActive,
			wantAlloc:  AllocationAllocated,
		},
		{
			name:       "expiry keeps usage from another device",
			a:          with(30, RedemptionActive, AllocationAllocated),
			b:          with(0, RedemptionExpired, AllocationAllocated),
			wantUsed:   30,
			wantStatus: RedemptionExpired,
			wantAlloc:  AllocationAllocated,
		},
		{
			name:       "used beats expired",
			a:          with(60, RedemptionUsed, AllocationAllocated),
			b:          with(0, RedemptionExpired, AllocationAllocated),
			wantUsed:   60,
			wantStatus: RedemptionUsed,
			wantAlloc:  AllocationAllocated,
		},
		{
			name:       "exhausted usage marks used",
			a:          with(60, RedemptionActive, AllocationAllocated),
			b:          with(20, RedemptionActive, AllocationAllocated),
			wantUsed:   60,
			wantStatus: RedemptionUsed,
			wantAlloc:  AllocationAllocated,
		},
		{
			name:       "usage is clamped to the grant",
			a:          with(90, RedemptionActive, AllocationAllocated),
			b:          with(0, RedemptionActive, AllocationAllocated),
			wantUsed:   60,
			wantStatus: RedemptionUsed,
			wantAlloc:  AllocationAllocated,
		},
		{
			name:       "allocated is not undone by a stale failure",
			a:          with(0, RedemptionActive, AllocationAllocated),
			b:          with(0, RedemptionActive, AllocationFailed),
			wantUsed:   0,
			wantStatus: RedemptionActive,
			wantAlloc:  AllocationAllocated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, got := range []Redemption{tt.a.Merge(tt.b), tt.b.Merge(tt.a)} {
				if got.TimeUsedMinutes != tt.wantUsed {
					t.Errorf("used = %d, want %d", got.TimeUsedMinutes, tt.wantUsed)
				}
				if got.Status != tt.wantStatus {
					t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
				}
				if got.AllocationStatus != tt.wantAlloc {
					t.Errorf("allocation = %q, want %q", got.AllocationStatus, tt.wantAlloc)
				}
			}
		})
	}
}
