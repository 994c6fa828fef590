// Package auth issues and verifies the signed bearer tokens that carry a
// connection's identity and per-document access grants, per §4.E. HS256
// over a symmetric secret is the reference scheme; verification checks
// signature, issuer, audience, and expiry, then merges the claims into the
// connection's Context so every message carries them.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"go.teleportal.dev/core/permission"
)

// Audience is the required "aud" claim value for every Teleportal token.
const Audience = "teleportal"

// AccessGrant is one entry of a token's documentAccess list.
type AccessGrant struct {
	Pattern     string   `json:"pattern"`
	Permissions []string `json:"permissions"`
}

// Claims is the full claim set a Teleportal token carries, per §4.E.
type Claims struct {
	UserID         string         `json:"userId"`
	Room           string         `json:"room"`
	DocumentAccess []AccessGrant  `json:"documentAccess"`
	jwt.RegisteredClaims
}

// Issuer mints and signs tokens with a single symmetric secret.
type Issuer struct {
	secret []byte
	issuer string
}

// NewIssuer constructs an Issuer. issuerName becomes every minted token's
// "iss" claim, and is also the value Verifier checks tokens against.
func NewIssuer(secret []byte, issuerName string) *Issuer {
	return &Issuer{secret: secret, issuer: issuerName}
}

// Issue mints a signed token for userID/room with the given access grants,
// valid from now until now+ttl.
func (i *Issuer) Issue(userID, room string, access []AccessGrant, ttl time.Duration) (string, error) {
	var now = time.Now()
	var claims = Claims{
		UserID:         userID,
		Room:           room,
		DocumentAccess: access,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{Audience},
		},
	}
	var token = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return signed, nil
}

// Verifier checks tokens minted by an Issuer holding the same secret and
// issuer name.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier constructs a Verifier for tokens bearing iss == issuerName.
func NewVerifier(secret []byte, issuerName string) *Verifier {
	return &Verifier{secret: secret, issuer: issuerName}
}

// Verify parses and validates raw, checking signature, issuer, audience,
// and expiry, and returns the decoded Claims on success.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.WithMessage(err, "verifying token")
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return &claims, nil
}

// Evaluator builds a permission.Evaluator from this claim set's
// documentAccess list, per §4.D.
func (c *Claims) Evaluator() *permission.Evaluator {
	var entries = make([]permission.Entry, 0, len(c.DocumentAccess))
	for _, g := range c.DocumentAccess {
		entries = append(entries, permission.Entry{Pattern: g.Pattern, Permissions: g.Permissions})
	}
	return permission.NewEvaluator(entries)
}

// contextKeys used when merging verified claims into a connection Context.
const (
	ContextKeyUserID = "userId"
	ContextKeyRoom   = "room"
	ContextKeyClaims = "claims"
)

// MergeIntoContext merges c's fields into ctx, per §4.E's "decoded claims
// are merged into the connection's context" requirement. ctx is mutated
// and also returned for chaining.
func MergeIntoContext(ctx map[string]interface{}, c *Claims) map[string]interface{} {
	if ctx == nil {
		ctx = make(map[string]interface{})
	}
	ctx[ContextKeyUserID] = c.UserID
	ctx[ContextKeyRoom] = c.Room
	ctx[ContextKeyClaims] = c
	return ctx
}
