package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"kasirinaja/kiosk/internal/domain"
)

const (
	RoleCashier = "cashier"
	RoleAdmin   = "admin"
)

// AuthManager verifies operator tokens issued by the back office. The kiosk
// only issues tokens itself in dev setups and tests.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
}

type operatorClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(strings.TrimSpace(secret)),
		tokenTTL: tokenTTL,
	}
}

func (a *AuthManager) Issue(operatorID string, role string) (string, time.Time, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return "", time.Time{}, errors.New("operator id is required")
	}
	if len(a.secret) == 0 {
		return "", time.Time{}, errors.New("auth secret is not configured")
	}
	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	claims := operatorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "kasirinaja",
		},
		Role: role,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ParseToken returns the operator named by the token subject.
func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	if len(a.secret) == 0 {
		return domain.Actor{}, errors.New("auth secret is not configured")
	}
	claims := &operatorClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	role := claims.Role
	if role == "" {
		role = RoleCashier
	}
	return domain.Actor{OperatorID: sub, Role: role}, nil
}
