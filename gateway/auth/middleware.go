package auth

import (
	"context"
	"io"
	"net/http"
)

type principalKey struct{}

// WithPrincipal returns a context carrying the authenticated Principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the Principal stored by Middleware, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// Middleware wraps an http.Handler, rejecting any request that does not
// carry a valid HMAC-signed API key per Authenticate's contract. It reads
// and replaces the request body so the signature can be verified over the
// exact bytes downstream handlers will also decode.
func Middleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, int64(MaxBodyForSignature)+1))
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(&noSeekReader{data: body})

			principal, err := a.Authenticate(r, body)
			if err != nil {
				http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// noSeekReader lets the request body be read exactly once more downstream
// after Middleware has already consumed it for signature verification.
type noSeekReader struct {
	data []byte
}

func (n *noSeekReader) Read(p []byte) (int, error) {
	if len(n.data) == 0 {
		return 0, io.EOF
	}
	c := copy(p, n.data)
	n.data = n.data[c:]
	return c, nil
}
