package rbac

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/lodestar-erp/lodestar-erp/internal/shared"
)

// MountRoutes registers the administrative and self-service endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	// Admin mutations share a tighter rate limit than the global stack.
	limiter := httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))

	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(shared.ResourceRoles, shared.ActionRead))
		r.Get("/roles", h.listRoles)
		r.Get("/roles/hierarchy", h.hierarchy)
		r.Get("/roles/{roleID}", h.getRole)
		r.Get("/roles/{roleID}/permissions", h.rolePermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(limiter)
		r.Use(h.guard.Require(shared.ResourceRoles, shared.ActionManage))
		r.Post("/roles", h.createRole)
		r.Patch("/roles/{roleID}", h.updateRole)
		r.Put("/roles/{roleID}/parent", h.reparentRole)
		r.Delete("/roles/{roleID}", h.deleteRole)
		r.Post("/roles/{roleID}/permissions", h.assignPermission)
		r.Delete("/roles/{roleID}/permissions/{permissionID}", h.revokePermission)
		r.Post("/users/{userID}/roles", h.assignRole)
		r.Delete("/users/{userID}/roles/{roleID}", h.revokeRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(shared.ResourcePermissions, shared.ActionRead))
		r.Get("/permissions", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(limiter)
		r.Use(h.guard.Require(shared.ResourcePermissions, shared.ActionManage))
		r.Post("/permissions", h.createPermission)
		r.Patch("/permissions/{permissionID}", h.updatePermission)
		r.Delete("/permissions/{permissionID}", h.deletePermission)
	})

	// Self-service endpoints need a session but no particular permission.
	r.Get("/me/permissions", h.myPermissions)
	r.Post("/me/check", h.check)
}
