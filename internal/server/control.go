package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/getmu/control-plane/internal/envelope"
	"github.com/getmu/control-plane/internal/identity"
	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
	"github.com/getmu/control-plane/internal/pkg/response"
)

// decode parses a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return cperrors.ErrInvalidJSON.WithMessage(err.Error())
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"generation":      s.deps.Supervisor.Active(),
		"active_commands": s.deps.Commands.ActiveCount(),
		"outbox_depth":    s.deps.Outbox.QueueDepth(),
		"bindings":        len(s.deps.Identities.ActiveBindings()),
	}
	if last, ok := s.deps.Supervisor.LastReload(); ok {
		status["last_reload"] = last
	}
	response.OK(w, status)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "api_request"
	}
	res, err := s.deps.Reloads.Reload(r.Context(), req.Reason)
	if err != nil {
		response.Error(w, cperrors.ErrInternal.WithMessage(err.Error()))
		return
	}
	if !res.OK {
		response.JSON(w, http.StatusInternalServerError, response.Envelope{
			OK:      false,
			Error:   "reload_failed",
			Message: res.Error,
			Details: res,
		})
		return
	}
	response.OK(w, res)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	reg := s.deps.Registry.Load()
	if reg == nil {
		response.JSON(w, http.StatusServiceUnavailable, response.Envelope{OK: false, Error: "not_ready"})
		return
	}
	response.OK(w, map[string]any{"channels": reg.Specs()})
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OperatorID      string   `json:"operator_id"`
		Channel         string   `json:"channel"`
		ChannelTenantID string   `json:"channel_tenant_id"`
		ChannelActorID  string   `json:"channel_actor_id"`
		Scopes          []string `json:"scopes"`
	}
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	binding, err := s.deps.Identities.Link(identity.LinkParams{
		OperatorID:      req.OperatorID,
		Channel:         envelope.Channel(req.Channel),
		ChannelTenantID: req.ChannelTenantID,
		ChannelActorID:  req.ChannelActorID,
		Scopes:          req.Scopes,
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, binding)
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	response.OK(w, map[string]any{
		"bindings": s.deps.Identities.ListBindings(includeInactive),
	})
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	bindingID := chi.URLParam(r, "bindingID")
	var req struct {
		ActorBindingID string `json:"actor_binding_id"`
		Reason         string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	binding, err := s.deps.Identities.UnlinkSelf(bindingID, req.ActorBindingID, req.Reason)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, binding)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	bindingID := chi.URLParam(r, "bindingID")
	var req struct {
		ActorBindingID string `json:"actor_binding_id"`
		Reason         string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	binding, err := s.deps.Identities.Revoke(bindingID, req.ActorBindingID, req.Reason)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, binding)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	turn := s.deps.Turns.StartTurn(req.SessionID)
	response.Created(w, turn)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	wakeID, notified := s.deps.Pipeline.Wake(req.Reason)
	response.OK(w, map[string]any{"wake_id": wakeID, "notified": notified})
}
