package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stokraf-backend/internal/errs"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/store"
)

// Principal is the caller identity taken from the request. An anonymous
// principal may only perform checkout-scoped shelf adjustments.
type Principal struct {
	UserID      string
	ClaimedRole models.UserRole
}

// Anonymous is the checkout context used when no token is presented.
var Anonymous = Principal{}

func (p Principal) IsAnonymous() bool { return p.UserID == "" }

// ActorID is the id written to audit events.
func (p Principal) ActorID() string {
	if p.IsAnonymous() {
		return "anonymous"
	}
	return p.UserID
}

// Verifier checks a principal against the role store on every call.
type Verifier struct {
	roles   store.RoleStore
	timeout time.Duration
}

func NewVerifier(roles store.RoleStore, timeout time.Duration) *Verifier {
	return &Verifier{roles: roles, timeout: timeout}
}

// RequireOperator returns the stored user for any active, known principal.
func (v *Verifier) RequireOperator(ctx context.Context, p Principal) (models.User, error) {
	if p.IsAnonymous() {
		return models.User{}, errs.Forbidden("", "an authenticated operator is required")
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	u, err := v.roles.GetUser(ctx, p.UserID)
	if errors.Is(err, errs.ErrNotFound) {
		return models.User{}, errs.Forbidden(p.UserID, "unknown user")
	}
	if err != nil {
		return models.User{}, errs.Persistence("verify role", err)
	}
	if !u.Active {
		return models.User{}, errs.Forbidden(p.UserID, "user is inactive")
	}
	return u, nil
}

// RequireAdmin additionally demands an administrative stored role. The role
// claimed in the token is ignored.
func (v *Verifier) RequireAdmin(ctx context.Context, p Principal) (models.User, error) {
	u, err := v.RequireOperator(ctx, p)
	if err != nil {
		return u, err
	}
	if !u.Role.Administrative() {
		return models.User{}, errs.Forbidden(p.UserID, fmt.Sprintf("role %q may not perform this operation", u.Role))
	}
	return u, nil
}
