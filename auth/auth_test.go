package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/rollsec/auth"
)

func TestKeyedAuthCases(t *testing.T) {
	ka1, err := auth.NewKeyedAuth("EXAMPLE.COM", "c2VjcmV0,b3RoZXI=")
	require.NoError(t, err)
	ka2, err := auth.NewKeyedAuth("EXAMPLE.COM", "b3RoZXI=,c2VjcmV0")
	require.NoError(t, err)
	kaX, err := auth.NewKeyedAuth("EXAMPLE.COM", "YXNkZg==")
	require.NoError(t, err)
	kaI, err := auth.NewKeyedAuth("OTHER.ORG", "c2VjcmV0")
	require.NoError(t, err)

	// Issue with one KeyedAuth...
	ticket, err := ka1.Issue("client", time.Hour)
	require.NoError(t, err)

	// ...and verify with the other.
	claims, err := ka2.Verify(ticket)
	require.NoError(t, err)
	require.Equal(t, "client", claims.Subject)
	require.Equal(t, "EXAMPLE.COM", claims.Issuer)

	// A KeyedAuth with a different key rejects it.
	_, err = kaX.Verify(ticket)
	require.EqualError(t, err,
		"verifying ticket: token signature is invalid: signature is invalid")

	// As does one of another issuer.
	_, err = kaI.Verify(ticket)
	require.EqualError(t, err,
		"verifying ticket: token has invalid claims: token has invalid issuer")

	// Expired tickets are rejected.
	ticket, err = ka1.Issue("client", -time.Minute)
	require.NoError(t, err)
	_, err = ka1.Verify(ticket)
	require.EqualError(t, err,
		"verifying ticket: token has invalid claims: token is expired")

	_, err = ka1.Verify("")
	require.Equal(t, auth.ErrMissingTicket, err)
	_, err = ka1.Issue("", time.Hour)
	require.Equal(t, auth.ErrMissingPrincipal, err)
}

func TestKeyParsing(t *testing.T) {
	_, err := auth.NewKeyedAuth("R", "")
	require.EqualError(t, err, "at least one key must be provided")
	_, err = auth.NewKeyedAuth("R", "c2VjcmV0 !!")
	require.EqualError(t, err, "failed to decode key at index 1: illegal base64 data at input byte 0")
}
