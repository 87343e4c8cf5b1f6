package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the persona a token acts as.
type Role string

const (
	RoleFunder Role = "funder"
	RoleLab    Role = "lab"
	RoleAdmin  Role = "admin"
)

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Role    Role
	// LabID is the lab the subject acts for when Role is lab. Defaults to
	// the subject.
	LabID string
}

// Config controls token verification.
type Config struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled"`
	HMACSecret     string `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv  string `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer         string `yaml:"issuer" toml:"issuer"`
	Audience       string `yaml:"audience" toml:"audience"`
	RoleClaim      string `yaml:"role_claim" toml:"role_claim"`
	MaxSkewSeconds int    `yaml:"max_skew_seconds" toml:"max_skew_seconds"`
}

type contextKey string

const contextKeyIdentity contextKey = "bountyd.identity"

var (
	errMissingIdentity = errors.New("auth: missing identity")
	errInvalidRole     = errors.New("auth: invalid role claim")
)

// Authenticator validates HMAC-signed bearer tokens.
type Authenticator struct {
	cfg    Config
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator constructs an authenticator. When cfg.Enabled is false
// every request passes with an admin identity taken from X-Bountyd-Subject,
// which is meant for local development only.
func NewAuthenticator(cfg Config, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.MaxSkewSeconds <= 0 {
		cfg.MaxSkewSeconds = 120
	}
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if cfg.Enabled && len(secret) == 0 {
		return nil, errors.New("auth: hmac secret required when enabled")
	}
	return &Authenticator{cfg: cfg, secret: secret, logger: logger}, nil
}

// Middleware authenticates the request and stores the Identity in its context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			subject := strings.TrimSpace(r.Header.Get("X-Bountyd-Subject"))
			if subject == "" {
				subject = "anonymous"
			}
			id := &Identity{Subject: subject, Role: RoleAdmin, LabID: subject}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
			return
		}
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		id, err := a.Verify(tokenString)
		if err != nil {
			a.logger.Warn("auth: token validation failed", slog.String("error", err.Error()))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Verify parses and validates a token.
func (a *Authenticator) Verify(tokenString string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(time.Duration(a.cfg.MaxSkewSeconds) * time.Second),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: token invalid")
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, errors.New("auth: subject required")
	}
	roleRaw, _ := claims[a.cfg.RoleClaim].(string)
	role := Role(strings.ToLower(strings.TrimSpace(roleRaw)))
	switch role {
	case RoleFunder, RoleLab, RoleAdmin:
	default:
		return nil, errInvalidRole
	}
	id := &Identity{Subject: subject, Role: role, LabID: subject}
	if labID, ok := claims["lab_id"].(string); ok && strings.TrimSpace(labID) != "" {
		id.LabID = strings.TrimSpace(labID)
	}
	return id, nil
}

// Issue signs a token for id. Operators use it to mint service credentials.
func Issue(secret string, id Identity, issuer string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  id.Subject,
		"role": string(id.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if id.LabID != "" && id.LabID != id.Subject {
		claims["lab_id"] = id.LabID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, id)
}

// FromContext returns the authenticated identity.
func FromContext(ctx context.Context) (*Identity, error) {
	if ctx == nil {
		return nil, errMissingIdentity
	}
	if id, ok := ctx.Value(contextKeyIdentity).(*Identity); ok && id != nil {
		return id, nil
	}
	return nil, errMissingIdentity
}

// RequireRole ensures the caller holds one of roles. Admins always pass.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[id.Role]; !ok && id.Role != RoleAdmin {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
