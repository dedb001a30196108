package controlapi

import (
	"net/http"

	"github.com/Resinat/Resin/internal/manager"
)

// providerLookup resolves {name} from the request path to a registered
// manager, writing a 404 and returning false if absent.
func providerLookup(w http.ResponseWriter, r *http.Request, reg *manager.Registry) (*manager.LocationProviderManager, bool) {
	name := r.PathValue("name")
	m, ok := reg.Get(name)
	if !ok {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "unknown provider: "+name)
		return nil, false
	}
	return m, true
}

// HandleProviderStatus serves GET /providers/{name}/status.
func HandleProviderStatus(reg *manager.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := providerLookup(w, r, reg)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, m.Status())
	}
}

// HandleProviderRegistrations serves GET /providers/{name}/registrations.
func HandleProviderRegistrations(reg *manager.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := providerLookup(w, r, reg)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, m.Multiplexer().Registrations())
	}
}

// HandleListProviders serves GET /providers — just the registered names,
// so a debug client can discover what {name} values are valid.
func HandleListProviders(reg *manager.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, reg.Names())
	}
}
