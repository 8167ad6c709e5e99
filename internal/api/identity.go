package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/codeops/courier/internal/domain"
)

// Identity headers set by the gateway in front of courierd. The gateway
// terminates end-user authentication; courierd trusts these values.
const (
	HeaderUserID = "X-User-ID"
	HeaderTeamID = "X-Team-ID"
	HeaderRoles  = "X-Roles"
)

type callerKeyType struct{}

var callerKey callerKeyType

// Identity extracts the caller from the identity headers and stores it
// in the request context. Requests without a valid user and team id are
// rejected with 401 before reaching any handler.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.Header.Get(HeaderUserID))
		if err != nil {
			errorJSON(w, "missing or invalid "+HeaderUserID+" header", "UNAUTHENTICATED", http.StatusUnauthorized)
			return
		}
		teamID, err := uuid.Parse(r.Header.Get(HeaderTeamID))
		if err != nil {
			errorJSON(w, "missing or invalid "+HeaderTeamID+" header", "UNAUTHENTICATED", http.StatusUnauthorized)
			return
		}

		caller := domain.Caller{UserID: userID, TeamID: teamID}
		if raw := r.Header.Get(HeaderRoles); raw != "" {
			for _, role := range strings.Split(raw, ",") {
				if role = strings.TrimSpace(role); role != "" {
					caller.Roles = append(caller.Roles, role)
				}
			}
		}

		ctx := ContextWithCaller(r.Context(), caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ContextWithCaller returns a context carrying the caller identity.
func ContextWithCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the caller stored by the Identity middleware.
// The bool is false when no identity was attached (ops endpoints, tests).
func CallerFromContext(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(callerKey).(domain.Caller)
	return caller, ok
}

// mustCaller fetches the caller or writes a 401. Handlers under /api/v1
// always run behind Identity, so the error path only fires in misuse.
func mustCaller(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		errorJSON(w, "caller identity missing", "UNAUTHENTICATED", http.StatusUnauthorized)
		return domain.Caller{}, false
	}
	return caller, true
}
