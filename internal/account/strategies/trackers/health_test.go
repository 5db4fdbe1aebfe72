package trackers

import "testing"

func TestHealthTrackerInitialScore(t *testing.T) {
	tracker := NewHealthTracker(DefaultHealthConfig())

	if got := tracker.GetScore("fresh@example.com"); got != 70 {
		t.Fatalf("expected initial score 70, got %v", got)
	}
	if !tracker.IsUsable("fresh@example.com") {
		t.Fatal("expected fresh account to be usable")
	}
}

func TestHealthTrackerPenalties(t *testing.T) {
	tests := []struct {
		name   string
		apply  func(tr *HealthTracker, email string)
		want   float64
		usable bool
	}{
		{
			name:   "rate limit penalty",
			apply:  func(tr *HealthTracker, email string) { tr.RecordRateLimit(email) },
			want:   60,
			usable: true,
		},
		{
			name:   "failure penalty",
			apply:  func(tr *HealthTracker, email string) { tr.RecordFailure(email) },
			want:   50,
			usable: true,
		},
		{
			name: "two failures drop below usable floor",
			apply: func(tr *HealthTracker, email string) {
				tr.RecordFailure(email)
				tr.RecordFailure(email)
			},
			want:   30,
			usable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewHealthTracker(DefaultHealthConfig())
			email := "acct@example.com"
			tt.apply(tracker, email)

			if got := tracker.GetScore(email); got != tt.want {
				t.Errorf("score = %v, want %v", got, tt.want)
			}
			if got := tracker.IsUsable(email); got != tt.usable {
				t.Errorf("usable = %v, want %v", got, tt.usable)
			}
		})
	}
}

func TestHealthTrackerScoreFloorAndCap(t *testing.T) {
	tracker := NewHealthTracker(DefaultHealthConfig())
	email := "extremes@example.com"

	for i := 0; i < 10; i++ {
		tracker.RecordFailure(email)
	}
	if got := tracker.GetScore(email); got != 0 {
		t.Fatalf("score should floor at 0, got %v", got)
	}

	for i := 0; i < 200; i++ {
		tracker.RecordSuccess(email)
	}
	if got := tracker.GetScore(email); got != 100 {
		t.Fatalf("score should cap at 100, got %v", got)
	}
}

func TestHealthTrackerConsecutiveFailures(t *testing.T) {
	tracker := NewHealthTracker(DefaultHealthConfig())
	email := "streak@example.com"

	tracker.RecordFailure(email)
	tracker.RecordRateLimit(email)
	if got := tracker.GetConsecutiveFailures(email); got != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", got)
	}

	tracker.RecordSuccess(email)
	if got := tracker.GetConsecutiveFailures(email); got != 0 {
		t.Fatalf("success should reset the streak, got %d", got)
	}
}

func TestHealthTrackerReset(t *testing.T) {
	tracker := NewHealthTracker(DefaultHealthConfig())
	email := "reset@example.com"

	tracker.RecordFailure(email)
	tracker.RecordFailure(email)
	tracker.Reset(email)

	if got := tracker.GetScore(email); got != 70 {
		t.Fatalf("reset should restore the initial score, got %v", got)
	}
}
