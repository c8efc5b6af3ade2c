package kdc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/pkg/errors"
	"github.com/xdg-go/scram"
	"go.gazette.dev/rollsec/protocol"
	"golang.org/x/crypto/pbkdf2"
)

const (
	scramSaltSize   = 16
	scramIterations = 4096
)

// PlainPassword returns the password of |principal|, for PLAIN authentication.
func (a *Authority) PlainPassword(principal string) (string, bool) {
	var p, ok = a.Principal(principal)
	return p.Password, ok
}

// SCRAMLookup returns a credential lookup of the SCRAM |mech|,
// suitable for a scram.Server.
func (a *Authority) SCRAMLookup(mech protocol.Mechanism) scram.CredentialLookup {
	return func(name string) (scram.StoredCredentials, error) {
		a.mu.Lock()
		defer a.mu.Unlock()

		var p, ok = a.principals[name]
		if !ok {
			return scram.StoredCredentials{}, errors.Errorf("unknown principal %q", name)
		}
		switch mech {
		case protocol.MechanismSCRAMSHA256:
			return p.scram256, nil
		case protocol.MechanismSCRAMSHA512:
			return p.scram512, nil
		default:
			return scram.StoredCredentials{}, errors.Errorf("not a SCRAM mechanism (%s)", mech)
		}
	}
}

// deriveSCRAM derives server-side stored credentials of |password|.
func deriveSCRAM(mech protocol.Mechanism, password string) (scram.StoredCredentials, error) {
	var hashFn func() hash.Hash
	var keyLen int

	switch mech {
	case protocol.MechanismSCRAMSHA256:
		hashFn, keyLen = sha256.New, sha256.Size
	case protocol.MechanismSCRAMSHA512:
		hashFn, keyLen = sha512.New, sha512.Size
	default:
		return scram.StoredCredentials{}, errors.Errorf("not a SCRAM mechanism (%s)", mech)
	}

	var salt = make([]byte, scramSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return scram.StoredCredentials{}, errors.Wrap(err, "generating salt")
	}
	var salted = pbkdf2.Key([]byte(password), salt, scramIterations, keyLen, hashFn)

	var mac = hmac.New(hashFn, salted)
	mac.Write([]byte("Client Key"))
	var h = hashFn()
	h.Write(mac.Sum(nil))
	var storedKey = h.Sum(nil)

	mac = hmac.New(hashFn, salted)
	mac.Write([]byte("Server Key"))

	return scram.StoredCredentials{
		KeyFactors: scram.KeyFactors{Salt: string(salt), Iters: scramIterations},
		StoredKey:  storedKey,
		ServerKey:  mac.Sum(nil),
	}, nil
}
