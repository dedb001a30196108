package provideradapter

import (
	"testing"

	"github.com/Resinat/Resin/internal/geopoint"
	"github.com/Resinat/Resin/internal/request"
)

func TestSetRequest_RecordsLastRequest(t *testing.T) {
	a := NewInMemoryAdapter(Properties{Name: "gps", IsGPS: true})
	req := request.ProviderRequest{IntervalMs: 1000}
	a.SetRequest(req)
	if got := a.LastRequest(); got.IntervalMs != 1000 {
		t.Fatalf("expected last request interval 1000, got %d", got.IntervalMs)
	}
}

func TestInject_DeliversToSubscribers(t *testing.T) {
	a := NewInMemoryAdapter(Properties{Name: "fused"})
	received := make(chan []*geopoint.Location, 1)
	a.OnReportLocation(func(fixes []*geopoint.Location) { received <- fixes })
	a.Inject(&geopoint.Location{Latitude: 1, Longitude: 2})
	fixes := <-received
	if len(fixes) != 1 || fixes[0].Latitude != 1 {
		t.Fatalf("unexpected delivered fixes: %+v", fixes)
	}
}

func TestInject_StampsMockWhenEnabled(t *testing.T) {
	a := NewInMemoryAdapter(Properties{Name: "fused"})
	a.SendExtraCommand("enable_mock", nil)
	received := make(chan []*geopoint.Location, 1)
	a.OnReportLocation(func(fixes []*geopoint.Location) { received <- fixes })
	a.Inject(&geopoint.Location{})
	fixes := <-received
	if !fixes[0].IsFromMockProvider {
		t.Fatalf("expected injected fix stamped as mock")
	}
}

func TestSetAllowed_NotifiesStateSubscribers(t *testing.T) {
	a := NewInMemoryAdapter(Properties{Name: "gps"})
	received := make(chan State, 1)
	a.OnStateChanged(func(s State) { received <- s })
	a.SetAllowed(false)
	s := <-received
	if s.Allowed {
		t.Fatalf("expected allowed=false")
	}
}

func TestSendExtraCommand_NotifiesMockSubscribersOnlyOnChange(t *testing.T) {
	a := NewInMemoryAdapter(Properties{Name: "fused"})
	received := make(chan bool, 4)
	a.OnMockChanged(func(enabled bool) { received <- enabled })

	a.SendExtraCommand("enable_mock", nil)
	if got := <-received; !got {
		t.Fatalf("expected enabled=true notification")
	}

	// Re-enabling when already enabled must not notify again.
	a.SendExtraCommand("enable_mock", nil)
	select {
	case v := <-received:
		t.Fatalf("expected no notification for a no-op enable, got %v", v)
	default:
	}

	a.SendExtraCommand("disable_mock", nil)
	if got := <-received; got {
		t.Fatalf("expected enabled=false notification")
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	a := NewInMemoryAdapter(Properties{Name: "gps"})
	count := 0
	unsub := a.OnReportLocation(func(fixes []*geopoint.Location) { count++ })
	a.Inject(&geopoint.Location{})
	unsub()
	a.Inject(&geopoint.Location{})
	if count != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}
