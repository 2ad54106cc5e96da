package auth

import (
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

// roomClaims are the private claims understood by the relay.
type roomClaims struct {
	// Room restricts the token to a single room code.
	Room string `json:"room,omitempty"`
	// Host allows the holder to join with isHost=true.
	Host bool `json:"host,omitempty"`
}

// JWTVerifier accepts HS256 tokens signed with a shared secret. An exp claim
// is required; nbf and iat are honoured when present.
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		leeway: jwt.DefaultLeeway,
		now:    time.Now,
	}
}

func (v JWTVerifier) Verify(token string) (Principal, error) {
	if token == "" || len(v.secret) == 0 {
		return Principal{}, ErrInvalidCredentials
	}

	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	if len(parsed.Headers) != 1 || parsed.Headers[0].Algorithm != string(jose.HS256) {
		return Principal{}, ErrUnsupportedJWT
	}

	var (
		std    jwt.Claims
		custom roomClaims
	)
	if err := parsed.Claims(v.secret, &std, &custom); err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	if std.Expiry == nil {
		return Principal{}, ErrInvalidCredentials
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Time: v.now()}, v.leeway); err != nil {
		return Principal{}, ErrInvalidCredentials
	}

	return Principal{
		Subject: std.Subject,
		Room:    custom.Room,
		Host:    custom.Host,
	}, nil
}
