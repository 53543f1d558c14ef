package quota

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"framereel/internal/services"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	return NewTracker(WithClock(clock.Now)), clock
}

func TestCheckMatchesTierLimits(t *testing.T) {
	tests := []struct {
		tier  Tier
		limit int
	}{
		{TierFree, 3},
		{TierBasic, 10},
	}
	for _, tc := range tests {
		t.Run(string(tc.tier), func(t *testing.T) {
			tracker, _ := newTestTracker()
			for i := 0; i < tc.limit; i++ {
				if !tracker.Check("u", tc.tier) {
					t.Fatalf("check %d: expected allowed", i)
				}
				before, _ := tracker.Usage("u")
				tracker.Increment("u")
				after, _ := tracker.Usage("u")
				if after.Count != before.Count+1 {
					t.Fatalf("increment changed count by %d", after.Count-before.Count)
				}
			}
			if tracker.Check("u", tc.tier) {
				t.Fatalf("expected check to fail at limit %d", tc.limit)
			}
		})
	}
}

func TestProTierIsUnbounded(t *testing.T) {
	tracker, _ := newTestTracker()
	for i := 0; i < 250; i++ {
		if !tracker.Check("pro-user", TierPro) {
			t.Fatalf("pro check failed after %d generations", i)
		}
		tracker.Increment("pro-user")
	}
}

func TestIncrementWithoutRecordIsNoop(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.Increment("ghost")
	if _, ok := tracker.Usage("ghost"); ok {
		t.Fatal("expected no record to be created by Increment")
	}
}

func TestDayRolloverResetsCount(t *testing.T) {
	tracker, clock := newTestTracker()
	for i := 0; i < 3; i++ {
		tracker.Check("demo", TierFree)
		tracker.Increment("demo")
	}
	if tracker.Check("demo", TierFree) {
		t.Fatal("expected limit reached before rollover")
	}

	clock.Advance(24 * time.Hour)
	if !tracker.Check("demo", TierFree) {
		t.Fatal("expected check to pass on a new day")
	}
	rec, ok := tracker.Usage("demo")
	if !ok {
		t.Fatal("expected record")
	}
	if rec.Count != 0 {
		t.Fatalf("expected count reset to 0, got %d", rec.Count)
	}
	if !rec.Date.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected date updated, got %v", rec.Date)
	}
}

func TestRestoreSeedsTodaysCount(t *testing.T) {
	tracker, clock := newTestTracker()
	if got := tracker.DayStart(); !got.Equal(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected day start %v", got)
	}
	tracker.Restore("demo", 3)
	if _, err := tracker.Reserve("demo", TierFree); !errors.Is(err, services.ErrQuotaExceeded) {
		t.Fatalf("expected restored count to exhaust free tier, got %v", err)
	}

	tracker.Restore("demo", 1)
	if rec, _ := tracker.Usage("demo"); rec.Count != 3 {
		t.Fatalf("restore lowered count to %d", rec.Count)
	}
	tracker.Restore("nobody", 0)
	if _, ok := tracker.Usage("nobody"); ok {
		t.Fatal("expected zero restore to create no record")
	}

	clock.Advance(24 * time.Hour)
	if !tracker.Check("demo", TierFree) {
		t.Fatal("expected restored count to roll over")
	}
}

func TestReserveCommitCountsOnce(t *testing.T) {
	tracker, _ := newTestTracker()
	res, err := tracker.Reserve("demo", TierFree)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := res.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := res.Commit(); err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	res.Release()

	rec, _ := tracker.Usage("demo")
	if rec.Count != 1 || rec.Reserved != 0 {
		t.Fatalf("expected count=1 reserved=0, got %+v", rec)
	}
}

func TestReserveReleaseReturnsSlot(t *testing.T) {
	tracker, _ := newTestTracker()
	for i := 0; i < 3; i++ {
		res, err := tracker.Reserve("demo", TierFree)
		if err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
		res.Release()
	}
	rec, _ := tracker.Usage("demo")
	if rec.Count != 0 || rec.Reserved != 0 {
		t.Fatalf("expected nothing counted, got %+v", rec)
	}
}

func TestReserveDeniedAtLimit(t *testing.T) {
	tracker, _ := newTestTracker()
	held := make([]*Reservation, 0, 3)
	for i := 0; i < 3; i++ {
		res, err := tracker.Reserve("demo", TierFree)
		if err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
		held = append(held, res)
	}
	_, err := tracker.Reserve("demo", TierFree)
	if !errors.Is(err, services.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	held[0].Release()
	if _, err := tracker.Reserve("demo", TierFree); err != nil {
		t.Fatalf("expected released slot to be reusable: %v", err)
	}
}

func TestConcurrentReserveAdmitsOnlyRemainingSlot(t *testing.T) {
	tracker, _ := newTestTracker()
	for i := 0; i < 2; i++ {
		tracker.Check("demo", TierFree)
		tracker.Increment("demo")
	}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tracker.Reserve("demo", TierFree)
			if err != nil {
				return
			}
			admitted.Add(1)
			_ = res.Commit()
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Fatalf("expected exactly one admission, got %d", got)
	}
	rec, _ := tracker.Usage("demo")
	if rec.Count != 3 {
		t.Fatalf("expected count 3, got %d", rec.Count)
	}
}

func TestReservationAcrossMidnightCommitsToNewDay(t *testing.T) {
	tracker, clock := newTestTracker()
	clock.Advance(13*time.Hour + 59*time.Minute)
	res, err := tracker.Reserve("demo", TierFree)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if err := res.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	rec, _ := tracker.Usage("demo")
	if rec.Count != 1 || rec.Reserved != 0 {
		t.Fatalf("expected count=1 reserved=0 on the new day, got %+v", rec)
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" Basic ")
	if err != nil || tier != TierBasic {
		t.Fatalf("ParseTier = %q, %v", tier, err)
	}
	if _, err := ParseTier("gold"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
	if TierPro.Title() != "Pro" {
		t.Fatalf("unexpected title %q", TierPro.Title())
	}
}

func TestRecordsSortedAndRolledOver(t *testing.T) {
	tracker, clock := newTestTracker()
	tracker.Check("zed", TierFree)
	tracker.Increment("zed")
	tracker.Check("amy", TierFree)
	clock.Advance(48 * time.Hour)

	records := tracker.Records()
	if len(records) != 2 || records[0].Username != "amy" || records[1].Username != "zed" {
		t.Fatalf("unexpected records %+v", records)
	}
	if records[1].Count != 0 {
		t.Fatalf("expected stale count hidden after rollover, got %d", records[1].Count)
	}
}

func TestTierUpgradePath(t *testing.T) {
	cases := []struct {
		from Tier
		to   Tier
		ok   bool
	}{
		{TierFree, TierBasic, true},
		{TierBasic, TierPro, true},
		{TierPro, "", false},
	}
	for _, tc := range cases {
		got, ok := tc.from.Upgrade()
		if got != tc.to || ok != tc.ok {
			t.Fatalf("%s.Upgrade() = (%q, %v), want (%q, %v)", tc.from, got, ok, tc.to, tc.ok)
		}
	}
}
