package httpx

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/mailbox"
)

// JWTAuthConfig configures bearer-token authentication for the HTTP
// exchange server. Token issuance and the token cache itself are out of
// scope (§1): this validates a token presented by the caller and derives the
// CallerIdentity the backend should authorize against, the same way
// pkg/web/middleware/auth.JWT validates tokens for ordinary HTTP routes.
type JWTAuthConfig struct {
	SecretKey string
	// GroupsClaim names the token claim (default "groups") whose values are
	// carried into the derived CallerIdentity for share_mailbox authorization.
	GroupsClaim string
}

// NewJWTAuth builds an AuthFunc that validates an HS256 bearer token and
// derives a CallerIdentity from its "sub" (entity id) and groups claims.
// Grounded on pkg/web/middleware/auth/jwt.go's HMAC keyFunc pattern.
func NewJWTAuth(config JWTAuthConfig) AuthFunc {
	groupsClaim := config.GroupsClaim
	if groupsClaim == "" {
		groupsClaim = "groups"
	}
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, exchangeerr.New(exchangeerr.Unauthorized, "unexpected signing method %v", token.Header["alg"])
		}
		return []byte(config.SecretKey), nil
	}

	return func(bearer string) (mailbox.CallerIdentity, error) {
		if bearer == "" {
			return mailbox.CallerIdentity{}, exchangeerr.New(exchangeerr.Unauthorized, "missing bearer token")
		}
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(bearer, claims, keyFunc, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			return mailbox.CallerIdentity{}, exchangeerr.New(exchangeerr.Unauthorized, "invalid bearer token: %v", err)
		}

		sub, _ := claims["sub"].(string)
		caller := mailbox.CallerIdentity{}
		if sub != "" {
			if id, err := identity.ParseEntityId(sub); err == nil {
				caller.ID = id
			}
		}
		if raw, ok := claims[groupsClaim].([]interface{}); ok {
			for _, g := range raw {
				if s, ok := g.(string); ok {
					caller.Groups = append(caller.Groups, s)
				}
			}
		}
		return caller, nil
	}
}
