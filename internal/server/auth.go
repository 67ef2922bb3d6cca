package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"bullpen/internal/repo"
)

type AuthConfig struct {
	JWTSecret               string
	AllowLegacyWorkerHeader bool
	Logger                  *log.Logger
}

// Principal is the authenticated caller: a worker via API key, or a human
// reviewer via JWT.
type Principal struct {
	WorkerID string
	Roles    []string
	Source   string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func workerIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.WorkerID != "" {
		return p.WorkerID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		WorkerID: claims.Subject,
		Roles:    claims.Roles,
		Source:   "jwt",
	}, nil
}

func signDevToken(secret, workerID string, roles []string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
		Roles: roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	hash := repo.HashAPIKey(key)
	apiKey, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return Principal{}, err
	}
	if apiKey.WorkerID == "" {
		return Principal{}, errors.New("api key missing worker")
	}
	return Principal{
		WorkerID: apiKey.WorkerID,
		Source:   "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := map[string]struct{}{
		path.Join(basePath, "health"):         {},
		path.Join(basePath, "auth/dev/login"): {},
		path.Join(basePath, "openapi.json"):   {},
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only paths under the API base are guarded; /docs stays open.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if _, ok := public[req.URL.Path]; ok {
				next.ServeHTTP(w, req)
				return
			}
			principal, herr := authenticate(req, cfg, r)
			if herr != nil {
				respondStatusError(w, herr)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

// authenticate resolves the caller, in precedence order: bearer JWT, API
// key, then the legacy dev header when enabled.
func authenticate(req *http.Request, cfg AuthConfig, r repo.Repo) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		principal, err := authenticateJWT(token, cfg.JWTSecret)
		if err != nil {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		return principal, nil
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		principal, err := authenticateAPIKey(req.Context(), r, key)
		if err != nil {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		return principal, nil
	}
	if worker := strings.TrimSpace(req.Header.Get("X-Worker-Id")); worker != "" && cfg.AllowLegacyWorkerHeader {
		cfg.logger().Printf("WARNING: X-Worker-Id accepted without credentials (worker_id=%s); dev mode only", worker)
		return Principal{WorkerID: worker, Source: "legacy_header"}, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
