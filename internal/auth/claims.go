package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the only supported JWT claims shape for this service.
// Tokens are minted by the platform IdP; this service only verifies them.
// ApplicationID carries the subscribing application's identity via the
// "appid" claim; older IdP tokens only set the standard "sub" claim, which
// Verify falls back to.
type Claims struct {
	jwt.RegisteredClaims

	ApplicationID string   `json:"appid"`
	Scopes        []string `json:"scopes"`
}
