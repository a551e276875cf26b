package api

import (
	"context"
	"net/http"

	"github.com/warp/points-ledger/ledger"
)

// Headers set by the authorization proxy in front of this service. Their
// contents are trusted as-is.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type actorKey struct{}

// ActorMiddleware attaches the caller identity to the request context.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := ledger.Actor{
			ID:   r.Header.Get(HeaderActorID),
			Role: ledger.Role(r.Header.Get(HeaderActorRole)),
		}
		if actor.ID != "" {
			r = r.WithContext(context.WithValue(r.Context(), actorKey{}, actor))
		}
		next.ServeHTTP(w, r)
	})
}

// ActorFrom returns the identity set by ActorMiddleware.
func ActorFrom(ctx context.Context) (ledger.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(ledger.Actor)
	return a, ok
}

func validRole(r ledger.Role) bool {
	switch r {
	case ledger.RoleBuyer, ledger.RoleStoreAdmin, ledger.RoleCompanyAdmin, ledger.RoleSystemAdmin:
		return true
	}
	return false
}

func requireActor(w http.ResponseWriter, r *http.Request) (ledger.Actor, bool) {
	actor, ok := ActorFrom(r.Context())
	if !ok || !validRole(actor.Role) {
		writeError(w, http.StatusForbidden, string(ledger.KindUnauthorized), "missing or invalid actor identity", nil)
		return ledger.Actor{}, false
	}
	return actor, true
}

func requireRole(w http.ResponseWriter, r *http.Request, roles ...ledger.Role) bool {
	actor, ok := requireActor(w, r)
	if !ok {
		return false
	}
	for _, role := range roles {
		if actor.Role == role {
			return true
		}
	}
	writeError(w, http.StatusForbidden, string(ledger.KindUnauthorized), ledger.ErrUnauthorized.Error(), nil)
	return false
}
