// Package auth issues and verifies signed bearer tickets, which SASL
// OAUTHBEARER clients present to brokers in lieu of a password.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims of a ticket. The Subject is the authenticated principal.
type Claims struct {
	jwt.RegisteredClaims
}

// NewKeyedAuth returns a KeyedAuth using the given pre-shared secret keys,
// which are base64 encoded and separated by whitespace and/or commas.
//
// The first key is used for signing tickets, and any key may verify a
// presented ticket. Prepending a new key and later dropping the old one
// rotates keys without invalidating outstanding tickets.
func NewKeyedAuth(issuer, base64Keys string) (*KeyedAuth, error) {
	var keys jwt.VerificationKeySet

	for i, key := range strings.Fields(strings.ReplaceAll(base64Keys, ",", " ")) {
		if b, err := base64.StdEncoding.DecodeString(key); err != nil {
			return nil, fmt.Errorf("failed to decode key at index %d: %w", i, err)
		} else if len(b) == 0 {
			return nil, fmt.Errorf("key at index %d is empty", i)
		} else {
			keys.Keys = append(keys.Keys, b)
		}
	}
	if len(keys.Keys) == 0 {
		return nil, fmt.Errorf("at least one key must be provided")
	}
	return &KeyedAuth{VerificationKeySet: keys, issuer: issuer}, nil
}

// KeyedAuth issues and verifies tickets using symmetric, pre-shared keys.
type KeyedAuth struct {
	jwt.VerificationKeySet
	issuer string
}

// Issue a ticket for |principal| which expires after |exp|.
func (k *KeyedAuth) Issue(principal string, exp time.Duration) (string, error) {
	if principal == "" {
		return "", ErrMissingPrincipal
	}
	var now = time.Now()
	var claims = Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    k.issuer,
		Subject:   principal,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(exp)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.Keys[0])
}

// Verify a presented ticket, returning its Claims.
func (k *KeyedAuth) Verify(ticket string) (Claims, error) {
	var claims Claims

	if ticket == "" {
		return claims, ErrMissingTicket
	}
	if _, err := jwt.ParseWithClaims(ticket, &claims,
		func(token *jwt.Token) (interface{}, error) { return k.VerificationKeySet, nil },
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(k.issuer),
		jwt.WithLeeway(time.Second*5),
		jwt.WithValidMethods([]string{"HS256", "HS384"}),
	); err != nil {
		return claims, fmt.Errorf("verifying ticket: %w", err)
	} else if claims.Subject == "" {
		return claims, ErrMissingPrincipal
	}
	return claims, nil
}

var (
	ErrMissingTicket    = errors.New("ticket is missing")
	ErrMissingPrincipal = errors.New("ticket has no principal")
)
