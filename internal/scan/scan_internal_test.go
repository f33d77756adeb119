package scan

import (
	"context"
	"errors"
	"testing"

	"civicwatch/internal/domain"
)

func TestRunRejectsConcurrentScan(t *testing.T) {
	s := &Scanner{}
	s.running.Store(true)
	_, err := s.Run(context.Background())
	if !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("expected ErrScanInProgress, got %v", err)
	}
}

func TestEscalate(t *testing.T) {
	cases := []struct {
		current domain.ProjectStatus
		level   int
		want    domain.ProjectStatus
	}{
		{domain.StatusOnTime, 0, domain.StatusOnTime},
		{domain.StatusOnTime, 1, domain.StatusDelayed},
		{domain.StatusOnTime, 2, domain.StatusDelayed},
		{domain.StatusOnTime, 3, domain.StatusCritical},
		{domain.StatusDelayed, 0, domain.StatusDelayed},
		{domain.StatusDelayed, 1, domain.StatusDelayed},
		{domain.StatusDelayed, 4, domain.StatusCritical},
		{domain.StatusCritical, 0, domain.StatusCritical},
		{domain.StatusCritical, 1, domain.StatusCritical},
		{domain.StatusCritical, 3, domain.StatusCritical},
	}
	for _, tc := range cases {
		if got := escalate(tc.current, tc.level); got != tc.want {
			t.Errorf("escalate(%s, %d) = %s, want %s", tc.current, tc.level, got, tc.want)
		}
	}
}
