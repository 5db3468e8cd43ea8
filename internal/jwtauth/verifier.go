package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mcpgate/pkg/logging"

	"github.com/MicahParks/jwkset"
	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// ErrUnauthorized indicates that the access token failed validation
// (signature, issuer, audience, exp/nbf) and the request must be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// DefaultLeeway is the clock-skew tolerance applied to time-based claims.
const DefaultLeeway = 60 * time.Second

// DefaultRefreshTTL is how long fetched signing keys are cached before a
// background refresh.
const DefaultRefreshTTL = 10 * time.Minute

// unknownKIDRefreshRate bounds how often a token with an unknown kid may
// force an out-of-band key refresh (key rotation handling).
const unknownKIDRefreshRate = 5 * time.Minute

// Config controls validation behavior for inbound access tokens.
type Config struct {
	// Issuer must match the iss claim exactly.
	Issuer string

	// Audience is the value the aud claim must contain.
	Audience string

	// AllowedAlgs is the JWS algorithm allow-list. Empty defaults to RS256.
	AllowedAlgs []string

	// Leeway is the clock-skew tolerance. Zero defaults to DefaultLeeway.
	Leeway time.Duration

	// RefreshTTL is the signing-key cache lifetime. Zero defaults to
	// DefaultRefreshTTL.
	RefreshTTL time.Duration
}

// Verifier validates inbound bearer tokens offline against the IdP's
// published keys and derives the request principal.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// NewVerifier constructs a Verifier whose keys are fetched from jwksURI,
// cached for cfg.RefreshTTL between background refreshes, and refreshed out
// of band (rate-limited) when a token arrives with an unknown kid.
func NewVerifier(ctx context.Context, cfg Config, jwksURI string) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri is required")
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}

	storage, err := jwkset.NewStorageFromHTTP(jwksURI, jwkset.HTTPClientStorageOptions{
		Ctx: ctx,
		RefreshErrorHandler: func(ctx context.Context, err error) {
			logging.Warn("JWKS", "Failed to refresh key set: %v", err)
		},
		RefreshInterval: cfg.RefreshTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	clientStorage, err := jwkset.NewHTTPClient(jwkset.HTTPClientOptions{
		HTTPURLs:          map[string]jwkset.Storage{jwksURI: storage},
		RateLimitWaitMax:  time.Minute,
		RefreshUnknownKID: rate.NewLimiter(rate.Every(unknownKIDRefreshRate), 1),
	})
	if err != nil {
		return nil, fmt.Errorf("jwks client init failed: %w", err)
	}

	kf, err := keyfunc.New(keyfunc.Options{
		Ctx:     ctx,
		Storage: clientStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("jwks keyfunc init failed: %w", err)
	}
	return NewVerifierWithKeyfunc(cfg, kf.Keyfunc), nil
}

// NewVerifierWithKeyfunc constructs a Verifier over a caller-supplied
// keyfunc. Used by tests and by deployments with pre-distributed keys.
func NewVerifierWithKeyfunc(cfg Config, kf jwt.Keyfunc) *Verifier {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = DefaultLeeway
	}

	return &Verifier{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			allowed := false
			for _, a := range cfg.AllowedAlgs {
				if alg == a {
					allowed = true
					break
				}
			}
			if !allowed {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf(t)
		},
	}
}

// Validate checks the compact JWT and returns the principal it identifies.
// All failures wrap ErrUnauthorized.
func (v *Verifier) Validate(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(v.cfg.Leeway),
	)

	parsed, err := parser.Parse(raw, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	username := sub
	if preferred, _ := claims["preferred_username"].(string); preferred != "" {
		username = preferred
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}

	return &Principal{
		Subject:   sub,
		Username:  username,
		Roles:     realmRoles(claims),
		RawToken:  raw,
		ExpiresAt: expiresAt,
	}, nil
}

// realmRoles extracts the realm role set from the realm_access claim.
// Tokens without the claim yield an empty set, not an error: role checks
// simply fail downstream.
func realmRoles(claims jwt.MapClaims) map[string]struct{} {
	roles := make(map[string]struct{})

	realmAccess, ok := claims["realm_access"].(map[string]any)
	if !ok {
		return roles
	}
	rawRoles, ok := realmAccess["roles"].([]any)
	if !ok {
		return roles
	}
	for _, r := range rawRoles {
		if s, ok := r.(string); ok && s != "" {
			roles[s] = struct{}{}
		}
	}
	return roles
}
