package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
//
// The signaling core trusts whoever signed the token to have verified the
// principal; UserID is the stable identity key, DisplayName is a mutable
// human-chosen label and never used for lookups.
type Claims struct {
	jwt.RegisteredClaims

	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	TokenType   TokenType `json:"token_type"`
}
