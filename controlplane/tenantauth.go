package controlplane

import (
	"fmt"
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// tenantClaimKey is where TenantJWTAuth stores the validated tenant id
// in the echo context, mirroring api/jwt.go's echojwt-then-handler flow.
const tenantClaimKey = "tenantId"

// TenantJWT issues and validates HS256 tokens whose subject is a
// tenant id, generalized from security.JWTService's user-subject
// tokens to this module's tenant-scoped authorization model.
type TenantJWT struct {
	secret []byte
	issuer string
}

func NewTenantJWT(secret, issuer string) *TenantJWT {
	return &TenantJWT{secret: []byte(secret), issuer: issuer}
}

// IssueToken builds a signed token naming tenantID as the subject,
// valid for ttl.
func (t *TenantJWT) IssueToken(tenantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	builder := jwt.NewBuilder().
		Subject(tenantID).
		IssuedAt(now).
		Expiration(now.Add(ttl))
	if t.issuer != "" {
		builder = builder.Issuer(t.issuer)
	}
	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("build tenant token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, t.secret))
	if err != nil {
		return "", fmt.Errorf("sign tenant token: %w", err)
	}
	return string(signed), nil
}

// TenantJWTAuth returns Echo middleware validating a Bearer token and
// storing its subject as the request's tenant id under tenantClaimKey,
// generalized from api/jwt.go's echojwt.WithConfig wiring.
func (t *TenantJWT) TenantJWTAuth() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:  t.secret,
		TokenLookup: "header:Authorization:Bearer ",
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			parsed, err := jwt.Parse([]byte(auth), jwt.WithKey(jwa.HS256, t.secret))
			if err != nil {
				return nil, err
			}
			c.Set(tenantClaimKey, parsed.Subject())
			return parsed, nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusUnauthorized, ActionResult{OK: false, Message: "invalid or missing bearer token"})
		},
	})
}

// tenantIDFromContext reads the tenant id TenantJWTAuth attached to c.
// Returns "" when no token middleware ran (e.g. static API-key mode).
func tenantIDFromContext(c echo.Context) string {
	v, _ := c.Get(tenantClaimKey).(string)
	return v
}
