package utils

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
)

const OpsScopeEngine = "imei-engine"

// OpsClaim is carried by the bearer tokens that guard run triggers.
type OpsClaim struct {
	Actor string `json:"actor"`
	Scope string `json:"scope"`
	jwt.StandardClaims
}

var ErrOpsTokenSecretMissing = errors.New("OPS_TOKEN_SECRET is not set")

func opsTokenSecret() ([]byte, error) {
	secret := os.Getenv("OPS_TOKEN_SECRET")
	if secret == "" {
		return nil, ErrOpsTokenSecretMissing
	}
	return []byte(secret), nil
}

func OpsTokenGenerate(actor string, lifespan time.Duration) (string, error) {
	secret, err := opsTokenSecret()
	if err != nil {
		return "", err
	}
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &OpsClaim{
		Actor: actor,
		Scope: OpsScopeEngine,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(lifespan).Unix(),
			IssuedAt:  now.Unix(),
			Subject:   actor,
		},
	})
	return t.SignedString(secret)
}

func OpsTokenValidate(token string) (*OpsClaim, error) {
	secret, err := opsTokenSecret()
	if err != nil {
		return nil, err
	}
	parsed, err := jwt.ParseWithClaims(token, &OpsClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claim, ok := parsed.Claims.(*OpsClaim)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid ops token")
	}
	if claim.Scope != OpsScopeEngine {
		return nil, fmt.Errorf("ops token scope %q not accepted", claim.Scope)
	}
	return claim, nil
}
