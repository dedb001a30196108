package main

import (
	"log"

	"github.com/google/uuid"

	"github.com/Resinat/Resin/internal/calleridentity"
	"github.com/Resinat/Resin/internal/geopoint"
	"github.com/Resinat/Resin/internal/manager"
	"github.com/Resinat/Resin/internal/request"
)

// logTransport is a stand-in for the real intent-like delivery transport
// a platform integration would supply (a binder callback, a gRPC stream,
// ...). It just logs what it receives.
type logTransport struct {
	clientKey string
}

func (t *logTransport) Deliver(loc *geopoint.Location) bool {
	if loc == nil {
		log.Printf("[demo-client %s] delivered: null", t.clientKey)
		return true
	}
	log.Printf("[demo-client %s] delivered: lat=%f lon=%f", t.clientKey, loc.Latitude, loc.Longitude)
	return true
}

func (t *logTransport) OnProviderDisabled() {
	log.Printf("[demo-client %s] provider disabled", t.clientKey)
}

// registerDemoClient installs one continuous, settings-ignored demo
// registration against the first provider in reg, so a fresh deployment
// has something exercising the registration path end to end without a
// real caller. The client key is a freshly generated UUID, mirroring how
// a real intent-based transport would mint an opaque per-registration
// handle.
func registerDemoClient(reg *manager.Registry, providerNames []string) {
	if len(providerNames) == 0 {
		return
	}
	m, ok := reg.Get(providerNames[0])
	if !ok {
		return
	}

	clientKey := uuid.NewString()
	identity := calleridentity.Identity{
		UserID:      0,
		UID:         0,
		PID:         0,
		PackageName: "com.resinat.locmux.demo",
		IsSystem:    true,
	}
	req := request.LocationRequest{
		IntervalMs:              60_000,
		Quality:                 request.QualityBalanced,
		LocationSettingsIgnored: true,
		WorkSource:              request.WorkSource{{UID: 0, Package: "com.resinat.locmux.demo"}},
	}

	err := m.Multiplexer().RegisterContinuous(clientKey, identity, req, request.PermissionFine, false, &logTransport{clientKey: clientKey})
	if err != nil {
		log.Printf("[locmux] demo client registration failed: %v", err)
		return
	}
	log.Printf("[locmux] demo client registered on provider %q with clientKey=%s", providerNames[0], clientKey)
}
