package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"e2ee-sessions/internal/cleanup"
	"e2ee-sessions/internal/decrypt"
	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/httpx"
	"e2ee-sessions/internal/lidmap"
	"e2ee-sessions/internal/migration"
	obsmw "e2ee-sessions/internal/observability/middleware"

	"github.com/go-chi/chi/v5"
)

type mappingResponse struct {
	PN  string `json:"pn"`
	LID string `json:"lid"`
}

type storeMappingsRequest struct {
	Mappings []domain.MappingRecord `json:"mappings"`
}

type migrateRequest struct {
	PN  string `json:"pn"`
	LID string `json:"lid,omitempty"`
}

type migrateResponse struct {
	PN  string `json:"pn"`
	LID string `json:"lid"`
	migration.Result
}

type cleanupStatus struct {
	State   string         `json:"state"`
	LastRun *cleanup.Stats `json:"lastRun,omitempty"`
}

type activityStatus struct {
	Enabled bool `json:"enabled"`
	Pending int  `json:"pending"`
}

type statsResponse struct {
	LIDMapping lidmap.Stats    `json:"lidMapping"`
	Cleanup    cleanupStatus   `json:"cleanup"`
	Activity   *activityStatus `json:"activity,omitempty"`
}

type envelopeRequest struct {
	ID                    string `json:"id"`
	From                  string `json:"from"`
	Alt                   string `json:"alt,omitempty"`
	Group                 string `json:"group,omitempty"`
	Type                  string `json:"type"`
	Ciphertext            []byte `json:"ciphertext"`
	SenderKeyDistribution []byte `json:"skdm,omitempty"`
}

type envelopeResponse struct {
	ID        string        `json:"id"`
	Sender    string        `json:"sender"`
	Plaintext []byte        `json:"plaintext,omitempty"`
	Stub      *decrypt.Stub `json:"stub,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func (h *handler) reqLog(r *http.Request) *slog.Logger {
	return h.log.With("request_id", obsmw.RequestIDFromContext(r.Context()), "trace_id", obsmw.TraceIDFromContext(r.Context()))
}

// parseUser accepts a full address or a bare user of the given kind.
func parseUser(raw string, kind domain.Kind) (domain.Identity, error) {
	if strings.Contains(raw, "@") {
		id, err := domain.ParseIdentity(raw)
		if err != nil {
			return domain.Identity{}, err
		}
		if id.Kind != kind {
			return domain.Identity{}, domain.ErrInvalidIdentity
		}
		return id, nil
	}
	id := domain.Identity{User: raw, Kind: kind}
	if err := id.Validate(); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

func (h *handler) getLID(w http.ResponseWriter, r *http.Request) {
	pn, err := parseUser(chi.URLParam(r, "pn"), domain.KindPN)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	lid, ok, err := h.Mappings.GetMappedID(r.Context(), pn)
	if err != nil {
		h.reqLog(r).Warn("forward lookup failed", "pn", pn.User, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "no mapping")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, mappingResponse{PN: pn.User, LID: lid.User})
}

func (h *handler) getPN(w http.ResponseWriter, r *http.Request) {
	lid, err := parseUser(chi.URLParam(r, "lid"), domain.KindLID)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	pn, ok, err := h.Mappings.GetReverseMappedID(r.Context(), lid)
	if err != nil {
		h.reqLog(r).Warn("reverse lookup failed", "lid", lid.User, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "no mapping")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, mappingResponse{PN: pn.User, LID: lid.User})
}

func (h *handler) storeMappings(w http.ResponseWriter, r *http.Request) {
	var req storeMappingsRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Mappings) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "no mappings")
		return
	}
	res, err := h.Mappings.StoreMappings(r.Context(), req.Mappings)
	if err != nil {
		h.reqLog(r).Warn("store mappings failed", "count", len(req.Mappings), "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "store failed")
		return
	}
	h.reqLog(r).Info("mappings stored", "stored", res.Stored, "skipped", res.Skipped, "errors", res.Errors)
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) migrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	pn, err := parseUser(req.PN, domain.KindPN)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var lid domain.Identity
	if req.LID != "" {
		if lid, err = parseUser(req.LID, domain.KindLID); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		var ok bool
		lid, ok, err = h.Mappings.GetMappedID(r.Context(), pn)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if !ok {
			httpx.WriteError(w, http.StatusNotFound, "no mapping for "+pn.User)
			return
		}
	}

	res, err := h.Migrator.MigrateSessions(r.Context(), pn, lid)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, migration.ErrMigrationInProgress):
			status = http.StatusConflict
		case errors.Is(err, migration.ErrInvalidDirection), errors.Is(err, domain.ErrInvalidIdentity):
			status = http.StatusBadRequest
		}
		h.reqLog(r).Warn("migration failed", "pn", pn.User, "lid", lid.User, "error", err)
		httpx.WriteError(w, status, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, migrateResponse{PN: pn.User, LID: lid.User, Result: res})
}

func (h *handler) runCleanup(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Cleanup.RunCleanup(r.Context())
	switch {
	case errors.Is(err, cleanup.ErrAlreadyRunning):
		httpx.WriteError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.reqLog(r).Warn("cleanup run failed", "run_id", stats.RunID, "error", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, stats)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		LIDMapping: h.Mappings.Stats(),
		Cleanup:    cleanupStatus{State: h.Cleanup.State().String()},
	}
	if last, ok := h.Cleanup.LastRun(); ok {
		resp.Cleanup.LastRun = &last
	}
	if h.Activity != nil {
		resp.Activity = &activityStatus{Enabled: h.Activity.Enabled(), Pending: h.Activity.Pending()}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *handler) decryptEnvelope(w http.ResponseWriter, r *http.Request) {
	var req envelopeRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := domain.ParseIdentity(req.From)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	env := decrypt.Envelope{
		ID:                    req.ID,
		From:                  from,
		Group:                 req.Group,
		Type:                  domain.EnvelopeType(req.Type),
		Ciphertext:            req.Ciphertext,
		SenderKeyDistribution: req.SenderKeyDistribution,
	}
	if req.Alt != "" {
		alt, err := domain.ParseIdentity(req.Alt)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		env.AltIdentity = &alt
	}

	msg, err := h.Decrypter.DecryptEnvelope(r.Context(), env)
	resp := envelopeResponse{ID: msg.ID, Sender: msg.Sender.String(), Plaintext: msg.Plaintext, Stub: msg.Stub}
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, resp)
	case errors.Is(err, decrypt.ErrInvalidEnvelope):
		resp.Error = err.Error()
		httpx.WriteJSON(w, http.StatusBadRequest, resp)
	default:
		resp.Error = err.Error()
		httpx.WriteJSON(w, http.StatusUnprocessableEntity, resp)
	}
}
