package httpd

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/apperror"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/capability"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/service"
)

type actorKey struct{}

// Claims carries the caller's role next to the registered claims; the
// subject is the actor id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens and resolves them to actors.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// IssueToken signs a token for the given actor. Used by operators and tests.
func (a *Authenticator) IssueToken(actorID string, role capability.Role, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate parses a raw token into an actor.
func (a *Authenticator) Authenticate(raw string) (service.Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token expired"
		}
		return service.Actor{}, unauthenticated(msg, err)
	}

	if claims.Subject == "" {
		return service.Actor{}, unauthenticated("token has no subject", nil)
	}
	role, err := capability.ParseRole(claims.Role)
	if err != nil {
		return service.Actor{}, unauthenticated("token carries an unknown role", err)
	}

	return service.Actor{ID: claims.Subject, Role: role}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// resolved actor in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"error": unauthenticated("missing bearer token", nil),
			})
			return
		}

		actor, err := a.Authenticate(strings.TrimSpace(raw))
		if err != nil {
			writeJSON(w, apperror.HTTPStatus(err), map[string]interface{}{"error": err})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(ctx context.Context) (service.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(service.Actor)
	return actor, ok
}

func unauthenticated(msg string, cause error) *apperror.AppError {
	return apperror.Wrap(apperror.CategoryPermission, apperror.CodeUnauthenticated, msg, cause)
}
