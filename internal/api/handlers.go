package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"webhookd/internal/model"
	"webhookd/internal/webhooks"
)

// listEvents handles GET /v1/webhooks/events
func (s *Server) listEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": webhooks.CatalogVersion,
		"events":  webhooks.Catalog(),
	})
}

// createEndpoint handles POST /v1/webhooks. The response is the only time the
// secret is shown in full, apart from rotation.
func (s *Server) createEndpoint(w http.ResponseWriter, r *http.Request) {
	var in model.EndpointInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	p := principalFrom(r.Context())
	ep, err := s.registry.Create(r.Context(), p.CompanyID, in)
	if err != nil {
		s.writeError(w, r, "Create webhook failed", err)
		return
	}
	w.Header().Set("Location", "/v1/webhooks/"+ep.ID)
	writeJSON(w, http.StatusCreated, ep)
}

// listEndpoints handles GET /v1/webhooks
func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List(r.Context(), principalFrom(r.Context()).CompanyID)
	if err != nil {
		s.writeError(w, r, "List webhooks failed", err)
		return
	}
	if list == nil {
		list = []model.Endpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.registry.Get(r.Context(), principalFrom(r.Context()).CompanyID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, "Get webhook failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) updateEndpoint(w http.ResponseWriter, r *http.Request) {
	var patch model.EndpointPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	ep, err := s.registry.Update(r.Context(), principalFrom(r.Context()).CompanyID, mux.Vars(r)["id"], patch)
	if err != nil {
		s.writeError(w, r, "Update webhook failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), principalFrom(r.Context()).CompanyID, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, "Delete webhook failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rotateSecret(w http.ResponseWriter, r *http.Request) {
	ep, err := s.registry.RotateSecret(r.Context(), principalFrom(r.Context()).CompanyID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, "Rotate secret failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// listDeliveries handles GET /v1/webhooks/{id}/deliveries?cursor=&limit=
func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	company := principalFrom(r.Context()).CompanyID
	id := mux.Vars(r)["id"]
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be a positive integer", r.URL.Path)
			return
		}
		limit = n
	}
	cursor := r.URL.Query().Get("cursor")
	if cursor != "" {
		if _, err := uuid.Parse(cursor); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid cursor", "cursor must be a delivery id", r.URL.Path)
			return
		}
	}
	if _, err := s.registry.Get(r.Context(), company, id); err != nil {
		s.writeError(w, r, "List deliveries failed", err)
		return
	}
	items, next, err := s.registry.ListDeliveries(r.Context(), company, id, cursor, limit)
	if err != nil {
		s.writeError(w, r, "List deliveries failed", err)
		return
	}
	if items == nil {
		items = []model.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// testEndpoint handles POST /v1/webhooks/{id}/test and waits for the single attempt.
func (s *Server) testEndpoint(w http.ResponseWriter, r *http.Request) {
	d, err := s.worker.SendTest(r.Context(), principalFrom(r.Context()).CompanyID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, "Test delivery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  d.Status == model.StatusSuccess,
		"delivery": d,
	})
}
