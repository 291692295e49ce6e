package rbac

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lodestar-erp/lodestar-erp/internal/platform/httpx"
)

// Handler exposes the administrative API and the self-service authorization
// endpoints consumed by UI permission displays.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	resolver *Resolver
	validate *validator.Validate
	guard    Middleware
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, resolver *Resolver, guard Middleware) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		resolver: resolver,
		validate: validator.New(),
		guard:    guard,
	}
}

// Roles

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, r, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, roles)
}

func (h *Handler) hierarchy(w http.ResponseWriter, r *http.Request) {
	forest, err := h.service.Hierarchy(r.Context())
	if err != nil {
		h.fail(w, r, "role hierarchy", err)
		return
	}
	httpx.JSON(w, http.StatusOK, forest)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req CreateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), CreateRoleInput{
		Name:        req.Name,
		Description: req.Description,
		ParentID:    req.ParentID,
	})
	if err != nil {
		h.fail(w, r, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), roleID)
	if err != nil {
		h.fail(w, r, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req UpdateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), roleID, UpdateRoleInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		h.fail(w, r, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) reparentRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req ReparentRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.Reparent(r.Context(), roleID, req.ParentID)
	if err != nil {
		h.fail(w, r, "reparent role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), roleID); err != nil {
		h.fail(w, r, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	includeAncestors := r.URL.Query().Get("include_ancestors") == "true"
	views, err := h.service.PermissionsForRole(r.Context(), roleID, includeAncestors)
	if err != nil {
		h.fail(w, r, "role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, views)
}

// Permissions

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, r, "list permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req CreatePermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), CreatePermissionInput{
		Resource:    req.Resource,
		Action:      req.Action,
		Description: req.Description,
		Attributes:  ConstraintMap(req.Attributes),
	})
	if err != nil {
		h.fail(w, r, "create permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	permID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	var req UpdatePermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := UpdatePermissionInput{
		Resource:    req.Resource,
		Action:      req.Action,
		Description: req.Description,
	}
	if req.Attributes != nil {
		attrs := ConstraintMap(*req.Attributes)
		in.Attributes = &attrs
	}
	perm, err := h.service.UpdatePermission(r.Context(), permID, in)
	if err != nil {
		h.fail(w, r, "update permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	permID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if err := h.service.DeletePermission(r.Context(), permID); err != nil {
		h.fail(w, r, "delete permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Assignments

func (h *Handler) assignPermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req AssignPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	granted := true
	if req.Granted != nil {
		granted = *req.Granted
	}
	rp, err := h.service.AssignPermissionToRole(r.Context(), roleID, req.PermissionID, AssignPermissionInput{
		Constraints: ConstraintMap(req.Constraints),
		Granted:     granted,
	})
	if err != nil {
		h.fail(w, r, "assign permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rp)
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	permID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if err := h.service.RevokePermissionFromRole(r.Context(), roleID, permID); err != nil {
		h.fail(w, r, "revoke permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	var req AssignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}
	ur, err := h.service.AssignRoleToUser(r.Context(), userID, req.RoleID, AssignRoleInput{
		Scope:     ConstraintMap(req.Scope),
		ExpiresAt: req.ExpiresAt,
		IsActive:  isActive,
	})
	if err != nil {
		h.fail(w, r, "assign role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ur)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.RevokeRoleFromUser(r.Context(), userID, roleID); err != nil {
		h.fail(w, r, "revoke role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Self-service

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.guard.CurrentUserID(r)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no active session")
		return
	}
	perms, err := h.resolver.UserPermissions(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "user permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.guard.CurrentUserID(r)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no active session")
		return
	}
	var req CheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	allowed := h.resolver.Resolve(r.Context(), userID, req.Resource, req.Action, ConstraintMap(req.Context))
	httpx.JSON(w, http.StatusOK, CheckResponse{Allowed: allowed})
}

// Helpers

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+param)
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}
