package multiplexer

import (
	"fmt"

	"github.com/Resinat/Resin/internal/request"
)

// Status is a snapshot of a Multiplexer's top-level state, for the debug
// HTTP surface and for manager.LocationProviderManager's own status
// reporting.
type Status struct {
	ProviderName      string
	MergedRequest     request.ProviderRequest
	RegistrationCount int
	ProviderAllowed   bool
}

// RegistrationSummary is a redacted, read-only view of one registration:
// no transport, no raw identity beyond what a debug surface should ever
// expose.
type RegistrationSummary struct {
	ClientKey       string
	Kind            string
	PackageName     string
	PermissionLevel string
	EffectiveIntervalMs int64
	Permitted       bool
	UsingHighPower  bool
	NumDelivered    int
}

// Status returns a point-in-time snapshot of this Multiplexer.
func (mx *Multiplexer) Status() Status {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	return Status{
		ProviderName:      mx.providerName,
		MergedRequest:     mx.mergedRequest,
		RegistrationCount: len(mx.regs),
		ProviderAllowed:   mx.adapter.CurrentState().Allowed,
	}
}

// Registrations returns a redacted summary of every live registration,
// for the debug HTTP surface. Order is unspecified.
func (mx *Multiplexer) Registrations() []RegistrationSummary {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	out := make([]RegistrationSummary, 0, len(mx.regs))
	for key, e := range mx.regs {
		r := e.reg
		out = append(out, RegistrationSummary{
			ClientKey:           fmt.Sprintf("%v", key),
			Kind:                r.Kind.String(),
			PackageName:         r.Identity.PackageName,
			PermissionLevel:     r.PermissionLevel.String(),
			EffectiveIntervalMs: r.EffectiveRequest.IntervalMs,
			Permitted:           r.Permitted,
			UsingHighPower:      r.UsingHighPower,
			NumDelivered:        r.NumDelivered,
		})
	}
	return out
}
