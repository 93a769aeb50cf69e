// Package auth turns bearer tokens into the calling tenant and role.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ModeDev  = "dev"
	ModeHMAC = "hmac"

	RoleAdmin = "admin"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier validates tokens and extracts company/role claims.
// dev accepts "company:role" verbatim; hmac verifies HS256 JWTs.
type Verifier struct {
	Mode         string
	HMACSecret   []byte
	CompanyClaim string
	RoleClaim    string
	now          func() time.Time
}

type Principal struct {
	CompanyID string
	Role      string
	Subject   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

func NewVerifier(mode, hmacSecret string) (*Verifier, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeDev
	}
	switch mode {
	case ModeDev:
	case ModeHMAC:
		if hmacSecret == "" {
			return nil, errors.New("hmac auth mode requires a secret")
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
	return &Verifier{
		Mode:         mode,
		HMACSecret:   []byte(hmacSecret),
		CompanyClaim: "companyId",
		RoleClaim:    "role",
		now:          time.Now,
	}, nil
}

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == ModeDev {
		parts := strings.SplitN(token, ":", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return Principal{CompanyID: parts[0], Role: strings.ToLower(parts[1])}, nil
		}
		return Principal{}, fmt.Errorf("%w: expected company:role dev token", ErrUnauthenticated)
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return v.HMACSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	company, _ := claims[v.CompanyClaim].(string)
	role, _ := claims[v.RoleClaim].(string)
	sub, _ := claims["sub"].(string)
	if company == "" {
		return Principal{}, fmt.Errorf("%w: missing %s claim", ErrUnauthenticated, v.CompanyClaim)
	}
	if role == "" {
		role = "user"
	}
	return Principal{CompanyID: company, Role: strings.ToLower(role), Subject: sub}, nil
}
