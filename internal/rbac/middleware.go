package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lodestar-erp/lodestar-erp/internal/shared"
)

// Middleware wires authorization guards for HTTP handlers. Denials and
// resolution failures are indistinguishable to callers: both produce 403.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// Require ensures the current user may perform action on resource. The
// request's query parameters feed the resolution context.
func (m Middleware) Require(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := m.currentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if m.Resolver.Resolve(r.Context(), userID, resource, action, requestContext(r)) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAny ensures the user holds at least one of the permission pairs.
func (m Middleware) RequireAny(refs ...PermissionRef) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(refs) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := m.currentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if m.Resolver.HasAny(r.Context(), userID, refs, requestContext(r)) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll ensures the user holds every one of the permission pairs.
func (m Middleware) RequireAll(refs ...PermissionRef) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(refs) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := m.currentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if m.Resolver.HasAll(r.Context(), userID, refs, requestContext(r)) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireOrOwner grants access when the user either holds the permission or
// owns the resource instance named by the urlParam route variable. The
// permission check runs first: it is cheap when cached.
func (m Middleware) RequireOrOwner(resource, action, resourceType, urlParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := m.currentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if m.Resolver.Resolve(r.Context(), userID, resource, action, requestContext(r)) {
				next.ServeHTTP(w, r)
				return
			}
			resourceID := chi.URLParam(r, urlParam)
			if resourceID != "" && m.Resolver.OwnsResource(r.Context(), userID, resourceType, resourceID) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// CurrentUserID exposes the session user id for handlers that need it.
func (m Middleware) CurrentUserID(r *http.Request) (int64, bool) {
	return m.currentUserID(r)
}

func (m Middleware) currentUserID(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("parse session user id", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}

// requestContext lifts single-valued query parameters into the resolution
// context bag. Route-level constraints like department live here.
func requestContext(r *http.Request) ConstraintMap {
	query := r.URL.Query()
	if len(query) == 0 {
		return nil
	}
	bag := make(ConstraintMap, len(query))
	for key, values := range query {
		if len(values) == 1 {
			bag[key] = values[0]
		}
	}
	return bag
}
