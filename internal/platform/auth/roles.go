package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Station roles.
const (
	RoleRegistrar     = "registrar"
	RoleNurse         = "nurse"
	RolePhysician     = "physician"
	RoleLabTechnician = "lab_technician"
	RolePharmacist    = "pharmacist"
	RoleCashier       = "cashier"
	RoleAdmin         = "admin"
)

// StaffRoles is every role allowed to read visit state.
var StaffRoles = []string{
	RoleRegistrar, RoleNurse, RolePhysician, RoleLabTechnician, RolePharmacist, RoleCashier,
}

// Actor is the authenticated staff member performing an action.
type Actor struct {
	UserID string
	Roles  []string
}

// HasAny reports whether the actor holds one of roles. Admin holds all.
func (a Actor) HasAny(roles ...string) bool {
	for _, has := range a.Roles {
		if has == RoleAdmin {
			return true
		}
		for _, want := range roles {
			if has == want {
				return true
			}
		}
	}
	return false
}

// PrimaryRole returns the first of the actor's roles that matches roles, for
// audit rows. It falls back to the first role held.
func (a Actor) PrimaryRole(roles ...string) string {
	for _, has := range a.Roles {
		for _, want := range roles {
			if has == want {
				return has
			}
		}
	}
	if len(a.Roles) > 0 {
		return a.Roles[0]
	}
	return ""
}

func (a Actor) String() string {
	return fmt.Sprintf("%s[%s]", a.UserID, strings.Join(a.Roles, ","))
}

// ActorFromContext builds the Actor from the identity set by the auth
// middleware.
func ActorFromContext(ctx context.Context) Actor {
	return Actor{UserID: UserIDFromContext(ctx), Roles: RolesFromContext(ctx)}
}

// RequireRole rejects requests from users holding none of roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if ActorFromContext(c.Request().Context()).HasAny(roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// AuthSkipper skips authentication for health endpoints.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
