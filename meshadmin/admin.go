// Package meshadmin exposes the owner-facing mesh administration surface of
// spec.md §4.6/§4.5/§4.7: device registration/approval/rejection/role
// changes, role hierarchy management, and session inspection. Grounded on
// this codebase's gRPC admin service in shape (one thin transport layer
// over the already-built managers, every handler a short validate-then-
// delegate), but served as HTTP+JSON over gorilla/mux rather than gRPC:
// the protobuf descriptors a gRPC admin service generates from a .proto
// file require the protoc/protoc-gen-go toolchain to regenerate, which
// this repository's build process does not invoke.
package meshadmin

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/heimdall/mesh"
	"github.com/heimdallr-mesh/fabric/heimdall/roles"
	"github.com/heimdallr-mesh/fabric/heimdall/session"
	"github.com/heimdallr-mesh/fabric/pkg/log"
)

// Purger discards a device's buffered-but-unflushed audit context without
// emitting it, satisfied by *audit.BufferedSink.
type Purger interface {
	Purge(deviceID string)
}

// Admin serves the mesh administration API over the already-constructed
// heimdall managers.
type Admin struct {
	mesh     *mesh.Registry
	roles    *roles.Manager
	sessions *session.Manager
	hijack   *session.Detector
	audit    Purger
	logger   log.Logger
}

// New returns an Admin wired to the given managers. audit is purged of a
// device's buffered context on erasure (spec.md §4.6 right-to-erasure,
// SPEC_FULL.md's audit supplement); pass a *audit.BufferedSink in
// production wiring.
func New(meshRegistry *mesh.Registry, roleMgr *roles.Manager, sessionMgr *session.Manager, hijack *session.Detector, audit Purger, logger log.Logger) *Admin {
	return &Admin{mesh: meshRegistry, roles: roleMgr, sessions: sessionMgr, hijack: hijack, audit: audit, logger: logger}
}

// Handler returns the HTTP handler serving every admin route.
func (a *Admin) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/devices/register", a.handleRegisterDevice).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}", a.handleGetDevice).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}", a.handleEraseDevice).Methods(http.MethodDelete)
	r.HandleFunc("/devices/{id}/approve", a.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/reject", a.handleReject).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/role", a.handleUpdateRole).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/roles", a.handleRolesOf).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/roles", a.handleAssignRole).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/roles/{role}", a.handleRemoveRole).Methods(http.MethodDelete)
	r.HandleFunc("/devices/{id}/sessions", a.handleSessionsOf).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/permissions", a.handlePermissions).Methods(http.MethodGet)
	r.HandleFunc("/roles", a.handleCreateRole).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/deactivate", a.handleDeactivateSession).Methods(http.MethodPost)
	return r
}

func (a *Admin) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (a *Admin) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, identity.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, identity.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, mesh.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, mesh.ErrInvalidRole):
		status = http.StatusBadRequest
	case errors.Is(err, roles.ErrCycleDetected):
		status = http.StatusBadRequest
	}
	a.logger.Debugf("meshadmin: %v", err)
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

type registerRequest struct {
	DeviceID      string `json:"device_id"`
	OwnerUserID   string `json:"owner_user_id"`
	MeshPublicKey string `json:"mesh_public_key"` // base64
}

func (a *Admin) handleRegisterDevice(w http.ResponseWriter, req *http.Request) {
	var body registerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	key, err := base64.StdEncoding.DecodeString(body.MeshPublicKey)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mesh_public_key must be base64"})
		return
	}
	device, isNew, err := a.mesh.RegisterDevice(req.Context(), body.DeviceID, body.OwnerUserID, key)
	if err != nil {
		a.writeError(w, err)
		return
	}
	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	a.writeJSON(w, status, device)
}

type ownerRequest struct {
	CallerUserID string            `json:"caller_user_id"`
	Role         identity.MeshRole `json:"role,omitempty"`
}

func (a *Admin) handleApprove(w http.ResponseWriter, req *http.Request) {
	var body ownerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	device, err := a.mesh.Approve(req.Context(), mux.Vars(req)["id"], body.CallerUserID, body.Role)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, device)
}

func (a *Admin) handleReject(w http.ResponseWriter, req *http.Request) {
	var body ownerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	device, err := a.mesh.Reject(req.Context(), mux.Vars(req)["id"], body.CallerUserID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, device)
}

func (a *Admin) handleUpdateRole(w http.ResponseWriter, req *http.Request) {
	var body ownerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	device, err := a.mesh.UpdateRole(req.Context(), mux.Vars(req)["id"], body.CallerUserID, body.Role)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, device)
}

func (a *Admin) handleEraseDevice(w http.ResponseWriter, req *http.Request) {
	deviceID := mux.Vars(req)["id"]
	callerUserID := req.URL.Query().Get("caller_user_id")
	if err := a.mesh.Erase(req.Context(), deviceID, callerUserID); err != nil {
		a.writeError(w, err)
		return
	}
	if a.audit != nil {
		a.audit.Purge(deviceID)
	}
	a.writeJSON(w, http.StatusNoContent, nil)
}

func (a *Admin) handleGetDevice(w http.ResponseWriter, req *http.Request) {
	callerUserID := req.URL.Query().Get("caller_user_id")
	device, err := a.mesh.Get(req.Context(), mux.Vars(req)["id"], callerUserID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, device)
}

type roleRequest struct {
	Name        string `json:"name"`
	ParentName  string `json:"parent_name,omitempty"`
	Description string `json:"description,omitempty"`
}

func (a *Admin) handleCreateRole(w http.ResponseWriter, req *http.Request) {
	var body roleRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := a.roles.CreateRole(req.Context(), body.Name, body.ParentName, body.Description); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, nil)
}

type assignRoleRequest struct {
	RoleName string `json:"role_name"`
}

func (a *Admin) handleAssignRole(w http.ResponseWriter, req *http.Request) {
	var body assignRoleRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := a.roles.Assign(req.Context(), mux.Vars(req)["id"], body.RoleName); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, nil)
}

func (a *Admin) handleRemoveRole(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	if err := a.roles.Remove(req.Context(), vars["id"], vars["role"]); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, nil)
}

func (a *Admin) handleRolesOf(w http.ResponseWriter, req *http.Request) {
	names, err := a.roles.RolesOf(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, names)
}

func (a *Admin) handlePermissions(w http.ResponseWriter, req *http.Request) {
	perms, err := a.roles.PermissionSet(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, perms)
}

func (a *Admin) handleSessionsOf(w http.ResponseWriter, req *http.Request) {
	sessions, err := a.sessions.ActiveSessionsByDevice(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, sessions)
}

// handleDeactivateSession deactivates a session and, if the caller supplied
// any observed hijack signals (spec.md §4.7), revokes through the hijack
// detector instead of a plain deactivate so the revocation is audited.
func (a *Admin) handleDeactivateSession(w http.ResponseWriter, req *http.Request) {
	sessionID := mux.Vars(req)["id"]
	var body struct {
		Signals []session.Signal `json:"signals,omitempty"`
	}
	_ = json.NewDecoder(req.Body).Decode(&body)

	var err error
	if len(body.Signals) > 0 {
		err = a.hijack.RevokeSessionOnHijacking(req.Context(), sessionID, body.Signals)
	} else {
		err = a.sessions.Deactivate(req.Context(), sessionID)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, nil)
}
