// Package auth identifies the principal behind a request and guards the
// mutating methods.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/metrics"
)

const (
	SchemeBasic  = "basic"
	SchemeBearer = "bearer"
	SchemeProxy  = "proxy"

	issuer          = "scenedav"
	defaultRealm    = "scenedav"
	defaultTokenTTL = 30 * 24 * time.Hour
)

// ErrInvalidCredentials is returned when presented credentials do not
// identify anyone.
var ErrInvalidCredentials = errors.New("invalid credentials")

type contextKey string

const principalContextKey contextKey = "principal"

// Principal is an authenticated user.
type Principal struct {
	Name   string
	Scheme string
}

// Author formats p as a commit author, "Name <email>". A name that is
// already an address supplies both parts; other names get an address in
// the scenedav domain.
func (p *Principal) Author() string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '\r', '\n':
			return -1
		}
		return r
	}, strings.TrimSpace(p.Name))
	if name == "" {
		return ""
	}
	email := strings.Join(strings.Fields(name), ".")
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		return local + " <" + email + ">"
	}
	return name + " <" + strings.ReplaceAll(email, "@", "") + "@" + issuer + ">"
}

// Claims holds the JWT claims of a bearer token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Config configures an Authenticator.
type Config struct {
	// Realm is announced in WWW-Authenticate challenges.
	Realm string
	// Users maps user names to bcrypt password hashes.
	Users map[string]string
	// JWTSecret signs and verifies bearer tokens. Bearer tokens are
	// refused when empty.
	JWTSecret string
	// RemoteUserHeader names a header set by a trusted reverse proxy.
	// Disabled when empty.
	RemoteUserHeader string
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
}

// Authenticator checks Basic, Bearer and proxy credentials.
type Authenticator struct {
	realm            string
	users            map[string]string
	secret           []byte
	remoteUserHeader string
	tokenTTL         time.Duration
}

// New returns an Authenticator for cfg.
func New(cfg Config) *Authenticator {
	realm := cfg.Realm
	if realm == "" {
		realm = defaultRealm
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	users := make(map[string]string, len(cfg.Users))
	for name, hash := range cfg.Users {
		users[name] = hash
	}
	return &Authenticator{
		realm:            realm,
		users:            users,
		secret:           []byte(cfg.JWTSecret),
		remoteUserHeader: cfg.RemoteUserHeader,
		tokenTTL:         ttl,
	}
}

// Authenticate returns the principal named by r's credentials. It returns
// (nil, nil) when r carries none.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	if a.remoteUserHeader != "" {
		if name := strings.TrimSpace(r.Header.Get(a.remoteUserHeader)); name != "" {
			metrics.RecordAuthAttempt(SchemeProxy, true)
			return &Principal{Name: name, Scheme: SchemeProxy}, nil
		}
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}

	if token, ok := cutPrefixFold(header, "Bearer "); ok {
		claims, err := a.ValidateToken(strings.TrimSpace(token))
		metrics.RecordAuthAttempt(SchemeBearer, err == nil)
		if err != nil {
			return nil, err
		}
		return &Principal{Name: claims.Username, Scheme: SchemeBearer}, nil
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		metrics.RecordAuthAttempt("unknown", false)
		return nil, ErrInvalidCredentials
	}
	err := a.CheckPassword(username, password)
	metrics.RecordAuthAttempt(SchemeBasic, err == nil)
	if err != nil {
		return nil, err
	}
	return &Principal{Name: username, Scheme: SchemeBasic}, nil
}

// CheckPassword verifies password against the configured hash for username.
func (a *Authenticator) CheckPassword(username, password string) error {
	hash, ok := a.users[username]
	if !ok {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// IssueToken signs a bearer token for username.
func (a *Authenticator) IssueToken(username string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("no JWT secret configured")
	}
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses and verifies a bearer token.
func (a *Authenticator) ValidateToken(tokenStr string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrInvalidCredentials
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !token.Valid || claims.Username == "" {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

// Middleware stores the request's principal in its context. Requests with
// bad credentials, and mutating requests without a principal, are
// challenged with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			logging.WithContext(r.Context()).Warn("authentication failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			a.challenge(w, r, "Invalid credentials")
			return
		}
		if p == nil {
			if Mutating(r.Method) {
				a.challenge(w, r, "Authentication required")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (a *Authenticator) challenge(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", a.realm))
	httperr.Write(w, r, httperr.New(httperr.Unauthorized, msg))
}

// Mutating reports whether method changes stored content.
func Mutating(method string) bool {
	switch method {
	case http.MethodPut, http.MethodPost, http.MethodDelete, "MKCOL":
		return true
	}
	return false
}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// FromContext returns the principal stored in ctx, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok && p != nil
}

// HashPassword returns the bcrypt hash stored in the users table.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}
