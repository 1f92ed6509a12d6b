package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// userIDParam parses the {id} URL parameter. Malformed ids are reported as
// 400 invalid_params.
func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, tagInvalidParams)
		return 0, false
	}
	return id, true
}

// ListUsers handles GET /users.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.svc.ListUsers(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	window, meta := paginate(users, pageFromRequest(r))

	resp := ListUsersResponse{
		Users:          make([]UserResponse, 0, len(window)),
		PaginationMeta: meta,
	}
	for i := range window {
		resp.Users = append(resp.Users, toUserResponse(&window[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUser handles GET /users/{id}.
func (a *API) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	user, err := a.svc.GetUser(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// DeleteUser handles DELETE /users/{id}. All of the user's sessions are
// removed with it.
func (a *API) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	if err := a.svc.DeleteUser(r.Context(), id); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditUserDeleted, r, sessionFromContext(r.Context()).UserID,
		slog.Int64("target_user_id", id))
	writeJSON(w, http.StatusOK, MessageResponse{Message: "deleted"})
}

// GetGroup handles GET /users/{id}/group.
func (a *API) GetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	user, err := a.svc.GetUser(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GroupResponse{Group: user.Group})
}

// SetGroup handles PUT /users/{id}/group.
func (a *API) SetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[GroupRequest](w, r)
	if !ok {
		return
	}
	if err := a.svc.SetGroup(r.Context(), id, req.Group); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditGroupChanged, r, sessionFromContext(r.Context()).UserID,
		slog.Int64("target_user_id", id),
		slog.String("group", req.Group))
	writeJSON(w, http.StatusOK, GroupResponse{Group: req.Group})
}

// ListPermissions handles GET /users/{id}/permissions.
func (a *API) ListPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	a.writePermissions(w, r, id)
}

// AddPermission handles POST /users/{id}/permissions.
func (a *API) AddPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[PermissionRequest](w, r)
	if !ok {
		return
	}
	if err := a.svc.AddPermission(r.Context(), id, req.Permission); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditPermissionAdded, r, sessionFromContext(r.Context()).UserID,
		slog.Int64("target_user_id", id),
		slog.String("permission", req.Permission))
	a.writePermissions(w, r, id)
}

// RemovePermission handles DELETE /users/{id}/permissions/{permission}.
func (a *API) RemovePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	permission := chi.URLParam(r, "permission")
	if err := a.svc.RemovePermission(r.Context(), id, permission); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditPermissionRemoved, r, sessionFromContext(r.Context()).UserID,
		slog.Int64("target_user_id", id),
		slog.String("permission", permission))
	a.writePermissions(w, r, id)
}

func (a *API) writePermissions(w http.ResponseWriter, r *http.Request, id int64) {
	user, err := a.svc.GetUser(r.Context(), id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PermissionsResponse{Permissions: toUserResponse(user).Permissions})
}
