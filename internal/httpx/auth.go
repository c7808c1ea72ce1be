package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

// Claims is the token body issued by the account service.
type Claims struct {
	ID   int64       `json:"id"`
	Role orders.Role `json:"role"`
	jwt.RegisteredClaims
}

type Auth struct {
	secret []byte
}

func NewAuth(secret string) *Auth { return &Auth{secret: []byte(secret)} }

var errNoToken = errors.New("access token required")

type actorKey struct{}

func withActor(ctx context.Context, a orders.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// actorFrom returns the authenticated caller, or the zero Actor for guests.
func actorFrom(ctx context.Context) orders.Actor {
	a, _ := ctx.Value(actorKey{}).(orders.Actor)
	return a
}

func (a *Auth) actor(r *http.Request) (orders.Actor, error) {
	h := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return orders.Actor{}, errNoToken
	}

	var c Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return orders.Actor{}, err
	}
	if c.ID < 1 {
		return orders.Actor{}, errors.New("token has no user id")
	}
	role := c.Role
	if role != orders.RoleAdmin {
		role = orders.RoleCustomer
	}
	return orders.Actor{UserID: c.ID, Role: role}, nil
}

// Optional attaches the caller when a valid token is present and lets guests through otherwise.
func (a *Auth) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor, err := a.actor(r); err == nil {
			r = r.WithContext(withActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// Required rejects requests without a token with 401 and with a bad token with 403.
func (a *Auth) Required(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.actor(r)
		switch {
		case errors.Is(err, errNoToken):
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Code: "UNAUTHENTICATED"})
			return
		case err != nil:
			writeJSON(w, http.StatusForbidden, errorBody{Error: "invalid or expired token", Code: "UNAUTHENTICATED"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

// RequireAdmin must run after Required.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !actorFrom(r.Context()).IsAdmin() {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "admin access required", Code: orders.Code(orders.ErrForbidden)})
			return
		}
		next.ServeHTTP(w, r)
	})
}
