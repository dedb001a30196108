package lastlocation

import (
	"testing"

	"github.com/Resinat/Resin/internal/geopoint"
	"github.com/Resinat/Resin/internal/request"
)

func loc(ns int64, mock bool) *geopoint.Location {
	return &geopoint.Location{Latitude: 1, Longitude: 2, ElapsedRealtimeNanos: ns, IsFromMockProvider: mock}
}

func TestSet_FineSlotStrictlyNewerWins(t *testing.T) {
	c := New()
	c.Set(loc(100, false))
	c.Set(loc(100, false)) // equal timestamp: no update
	if got := c.Get(request.PermissionFine, false); got.ElapsedRealtimeNanos != 100 {
		t.Fatalf("expected ts 100, got %d", got.ElapsedRealtimeNanos)
	}
	c.Set(loc(50, false)) // older: no update
	if got := c.Get(request.PermissionFine, false); got.ElapsedRealtimeNanos != 100 {
		t.Fatalf("older fix overwrote newer fine slot")
	}
	c.Set(loc(200, false))
	if got := c.Get(request.PermissionFine, false); got.ElapsedRealtimeNanos != 200 {
		t.Fatalf("expected ts 200, got %d", got.ElapsedRealtimeNanos)
	}
}

func TestSet_CoarseSlotRequiresTenMinuteGap(t *testing.T) {
	c := New()
	c.Set(loc(0, false))
	c.Set(loc(MinCoarseIntervalNs-1, false))
	if got := c.Get(request.PermissionCoarse, false); got.ElapsedRealtimeNanos != 0 {
		t.Fatalf("coarse slot updated before 10-minute gap elapsed")
	}
	c.Set(loc(MinCoarseIntervalNs, false))
	if got := c.Get(request.PermissionCoarse, false); got.ElapsedRealtimeNanos != MinCoarseIntervalNs {
		t.Fatalf("expected coarse slot to update at exactly the gap, got %d", got.ElapsedRealtimeNanos)
	}
}

func TestGet_BypassFallsBackToNormalWhenEmpty(t *testing.T) {
	c := New()
	c.Set(loc(10, false))
	got := c.Get(request.PermissionFine, true)
	if got == nil || got.ElapsedRealtimeNanos != 10 {
		t.Fatalf("expected bypass fallback to normal slot, got %+v", got)
	}
}

func TestClearNormal_PreservesBypass(t *testing.T) {
	c := New()
	c.Set(loc(10, false))
	c.SetBypass(loc(20, false))
	c.ClearNormal()
	if got := c.Get(request.PermissionFine, false); got != nil {
		t.Fatalf("expected normal slot cleared, got %+v", got)
	}
	if got := c.Get(request.PermissionFine, true); got == nil || got.ElapsedRealtimeNanos != 20 {
		t.Fatalf("expected bypass slot to survive ClearNormal, got %+v", got)
	}
}

func TestClearMock_OnlyClearsMockOrigin(t *testing.T) {
	c := New()
	c.Set(loc(10, true))
	c.SetBypass(loc(20, false))
	c.ClearMock()
	if got := c.Get(request.PermissionFine, false); got != nil {
		t.Fatalf("expected mock-origin fine-normal slot cleared")
	}
	if got := c.Get(request.PermissionFine, true); got == nil {
		t.Fatalf("expected non-mock bypass slot to survive ClearMock")
	}
}

func TestInjectIfAbsent_DoesNotClobberRealFix(t *testing.T) {
	c := New()
	c.Set(loc(10, false))
	c.InjectIfAbsent(loc(999, false))
	if got := c.Get(request.PermissionFine, false); got.ElapsedRealtimeNanos != 10 {
		t.Fatalf("InjectIfAbsent clobbered an existing fix")
	}

	c2 := New()
	c2.InjectIfAbsent(loc(5, false))
	if got := c2.Get(request.PermissionFine, false); got == nil || got.ElapsedRealtimeNanos != 5 {
		t.Fatalf("expected inject to populate empty slot")
	}
}

func TestGet_ReturnsCallerOwnedClone(t *testing.T) {
	c := New()
	c.Set(loc(10, false))
	got := c.Get(request.PermissionFine, false)
	got.Latitude = 999
	if again := c.Get(request.PermissionFine, false); again.Latitude == 999 {
		t.Fatalf("mutating returned location affected cache contents")
	}
}
