package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/ahhshm/trpc"
)

// Context is the application context of every call.
type Context struct {
	User *User
}

type userClaims struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"admin"`
}

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	key    []byte
	issuer string
	signer jose.Signer
}

// NewAuthenticator creates an authenticator signing with secret.
func NewAuthenticator(secret []byte, issuer string) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: secret must be at least 32 bytes")
	}
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, err
	}
	return &Authenticator{key: secret, issuer: issuer, signer: sig}, nil
}

// Issue returns a token for u valid for ttl.
func (a *Authenticator) Issue(u User, ttl time.Duration) (string, error) {
	now := time.Now()
	cl := jwt.Claims{
		Subject:  u.ID,
		Issuer:   a.issuer,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.Signed(a.signer).Claims(cl).Claims(userClaims{Name: u.Name, IsAdmin: u.IsAdmin}).CompactSerialize()
}

// Verify checks token and returns the user it was issued for.
func (a *Authenticator) Verify(token string) (*User, error) {
	tok, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("malformed token: %w", err)
	}
	var (
		cl   jwt.Claims
		priv userClaims
	)
	if err := tok.Claims(a.key, &cl, &priv); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if err := cl.Validate(jwt.Expected{Issuer: a.issuer, Time: time.Now()}); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return &User{ID: cl.Subject, Name: priv.Name, IsAdmin: priv.IsAdmin}, nil
}

// CreateContext reads a bearer token from the Authorization header, or from
// the token query parameter for WebSocket clients that cannot set headers.
// Requests without a token get an anonymous context.
func (a *Authenticator) CreateContext(r *http.Request) (any, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return &Context{}, nil
	}
	u, err := a.Verify(token)
	if err != nil {
		return nil, trpc.WrapError(trpc.CodeUnauthorized, "invalid token", err)
	}
	return &Context{User: u}, nil
}

// requireAdmin rejects calls from anyone but an admin.
func requireAdmin(next trpc.Handler) trpc.Handler {
	return func(ctx context.Context, req *trpc.Request) (any, error) {
		c, _ := trpc.AppContextAs[*Context](ctx)
		if c == nil || c.User == nil || !c.User.IsAdmin {
			return nil, trpc.ErrUnauthorized("")
		}
		return next(ctx, req)
	}
}
