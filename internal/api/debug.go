package api

import (
	"net/http"
	"time"

	"webhookd/internal/buildinfo"
	"webhookd/internal/webhooks"
)

func (s *Server) debugInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":          buildinfo.Info(),
		"time":           time.Now().UTC().Format(time.RFC3339),
		"catalogVersion": webhooks.CatalogVersion,
		"config":         s.info,
	}
	writeJSON(w, http.StatusOK, info)
}
