package rest

import (
	"net/http"

	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

// EventFanout attaches a websocket client to a matter's event channel.
type EventFanout interface {
	Serve(w http.ResponseWriter, r *http.Request, scope matter.Scope) error
}

// WithEventFanout registers the websocket events route. It is separate
// from Routes because the fan-out is optional wiring.
func (h *Handler) WithEventFanout(mux *http.ServeMux, fanout EventFanout) {
	mux.HandleFunc("GET /api/v1/matters/{matterID}/events", func(w http.ResponseWriter, r *http.Request) {
		_, s, _, err := h.scope(r)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}

		if err := fanout.Serve(w, r, s); err != nil {
			// Upgrade failures already wrote a response; anything after
			// the upgrade is connection-level and just gets logged.
			h.logger.WarnContext(r.Context(), "websocket session ended with error",
				"matter_id", s.MatterID.String(),
				"error", err.Error())
		}
	})
}
