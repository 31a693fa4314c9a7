package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"kairo/internal/content"
	"kairo/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	TokenCookie        = "token"
	tokenIssuer        = "kairo"
)

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// Claims are carried by every access token. The subject is the user id.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type TokenResponse struct {
	Token       string `json:"token"`
	TokenExpiry int64  `json:"tokenExpiry"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
}

// AuthService turns bearer credentials into identities.
type AuthService struct {
	Config
	// token id -> revocation time, kept until the token would have expired anyway
	revoked geche.Geche[string, time.Time]
	now     func() time.Time
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:  config,
		revoked: geche.NewMapTTLCache[string, time.Time](ctx, config.TokenExpiry, time.Minute),
		now:     time.Now,
	}, nil
}

// Issue signs a token for the given identity.
func (as *AuthService) Issue(identity models.Identity) (TokenResponse, error) {
	identity.UserID = strings.TrimSpace(identity.UserID)
	if err := models.ValidateID("user id", identity.UserID); err != nil {
		return TokenResponse{}, err
	}
	if identity.Username == "" {
		identity.Username = identity.UserID
	}
	if err := content.ValidateUsername(identity.Username); err != nil {
		return TokenResponse{}, err
	}

	now := as.now()
	expiresAt := now.Add(as.TokenExpiry)
	claims := Claims{
		Username: identity.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(as.secretBytes)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return TokenResponse{
		Token:       token,
		TokenExpiry: expiresAt.Unix(),
		UserID:      identity.UserID,
		Username:    identity.Username,
	}, nil
}

// Verify checks the signature, expiry and revocation state of a token.
func (as *AuthService) Verify(token string) (models.Identity, error) {
	claims, err := as.parse(token)
	if err != nil {
		return models.Identity{}, err
	}
	if _, err := as.revoked.Get(claims.ID); err == nil {
		return models.Identity{}, models.New(models.CodeUnauthenticated, "token has been revoked")
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	return models.Identity{UserID: claims.Subject, Username: username}, nil
}

// Logoff revokes a token. Invalid tokens are reported as unauthenticated.
func (as *AuthService) Logoff(token string) error {
	claims, err := as.parse(token)
	if err != nil {
		return err
	}
	as.revoked.Set(claims.ID, as.now())
	slog.Info("token revoked", "user_id", claims.Subject, "token_id", claims.ID)
	return nil
}

// Authenticate verifies the credential carried by r.
func (as *AuthService) Authenticate(r *http.Request) (models.Identity, error) {
	token := Credential(r)
	if token == "" {
		return models.Identity{}, models.ErrUnauthenticated
	}
	return as.Verify(token)
}

func (as *AuthService) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return as.secretBytes, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		return nil, models.Wrap(models.CodeUnauthenticated, "invalid token", err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, models.New(models.CodeUnauthenticated, "token has no subject")
	}
	return claims, nil
}

// Credential extracts the raw token from r. Sources in order: the
// Authorization bearer header, the token header, the token cookie and the
// token query parameter. Browsers cannot set headers on websocket upgrades,
// hence the last two.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}
