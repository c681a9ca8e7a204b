package mid

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// OwnerHeader names the request header carrying the tenant identity.
const OwnerHeader = "X-Owner-ID"

type ctxKey int

const ownerKey ctxKey = iota

// WithOwner stashes the owner on a context. Exposed for handler tests that
// bypass the middleware.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// OwnerFrom returns the owner placed on the context by RequireOwner, or ""
// when the request never passed through it.
func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

// RequireOwner returns middleware that extracts the owner header, runs it
// through validate, and rejects the request with a 400 if it fails. The
// validated owner is available to handlers via OwnerFrom.
func RequireOwner(validate func(string) error) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
			if err := validate(owner); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprintf(w, `{"error":%q}`+"\n", fmt.Sprintf("%s header: %v", OwnerHeader, err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}
