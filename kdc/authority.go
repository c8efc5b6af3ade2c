package kdc

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/xdg-go/scram"
	"go.gazette.dev/rollsec/auth"
	"go.gazette.dev/rollsec/protocol"
)

// Principal is an identity known to the Authority.
type Principal struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`

	scram256 scram.StoredCredentials
	scram512 scram.StoredCredentials
}

// Authority issues certificates, passwords and tickets for a realm.
// The zero-value Authority is not started; call Start before use.
type Authority struct {
	Realm string

	mu         sync.Mutex
	caKey      *rsa.PrivateKey
	caCert     *x509.Certificate
	caPEM      []byte
	pool       *x509.CertPool
	tickets    *auth.KeyedAuth
	principals map[string]*Principal
}

// New returns an Authority of the given realm.
func New(realm string) *Authority {
	return &Authority{Realm: realm, principals: make(map[string]*Principal)}
}

// ErrNotStarted is returned by operations of a stopped Authority.
var ErrNotStarted = errors.New("authority is not started")

// Start generates the realm's CA and ticket key. Starting a started Authority
// is a no-op.
func (a *Authority) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.caKey != nil {
		return nil
	}
	var key, cert, certPEM, err = generateCA(a.Realm)
	if err != nil {
		return err
	}
	var secret = make([]byte, 32)
	if _, err = rand.Read(secret); err != nil {
		return errors.Wrap(err, "generating ticket key")
	}
	tickets, err := auth.NewKeyedAuth(a.Realm, base64.StdEncoding.EncodeToString(secret))
	if err != nil {
		return err
	}

	a.caKey, a.caCert, a.caPEM, a.tickets = key, cert, certPEM, tickets
	a.pool = x509.NewCertPool()
	a.pool.AddCert(cert)

	log.WithField("realm", a.Realm).Info("started credential authority")
	return nil
}

// Stop discards the Authority's key material. Principals are retained and
// keep their passwords, but tickets issued before Stop no longer verify, and
// a subsequent Start mints a new CA.
func (a *Authority) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.caKey, a.caCert, a.caPEM, a.pool, a.tickets = nil, nil, nil, nil, nil
	log.WithField("realm", a.Realm).Info("stopped credential authority")
}

// CACertPEM returns the PEM encoded CA certificate.
func (a *Authority) CACertPEM() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.caKey == nil {
		return nil, ErrNotStarted
	}
	return a.caPEM, nil
}

// CertPool returns a pool holding the CA certificate.
func (a *Authority) CertPool() (*x509.CertPool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.caKey == nil {
		return nil, ErrNotStarted
	}
	return a.pool, nil
}

// IssueServerCert issues a key pair for a node reachable at |hosts|, which
// are DNS names or IP addresses. The certificate is valid for both server
// and client authentication.
func (a *Authority) IssueServerCert(hosts ...string) (tls.Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.caKey == nil {
		return tls.Certificate{}, ErrNotStarted
	}
	return issueCert(a.caKey, a.caCert, hosts)
}

// ServerTLSConfig returns a TLS configuration serving a certificate for
// |hosts|, which verifies client certificates if presented.
func (a *Authority) ServerTLSConfig(hosts ...string) (*tls.Config, error) {
	var cert, err = a.IssueServerCert(hosts...)
	if err != nil {
		return nil, err
	}
	pool, err := a.CertPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig returns a TLS configuration trusting the realm's CA.
func (a *Authority) ClientTLSConfig() (*tls.Config, error) {
	var pool, err = a.CertPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// AddPrincipal adds a principal with a random password, returning it.
// Adding an existing principal returns it unchanged.
func (a *Authority) AddPrincipal(name string) (Principal, error) {
	if err := protocol.ValidateToken(name, 1, 128); err != nil {
		return Principal{}, protocol.ExtendContext(err, "principal")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.principals[name]; ok {
		return *p, nil
	}
	var raw = make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return Principal{}, errors.Wrap(err, "generating password")
	}
	var p = &Principal{Name: name, Password: base64.RawURLEncoding.EncodeToString(raw)}

	var err error
	if p.scram256, err = deriveSCRAM(protocol.MechanismSCRAMSHA256, p.Password); err != nil {
		return Principal{}, err
	}
	if p.scram512, err = deriveSCRAM(protocol.MechanismSCRAMSHA512, p.Password); err != nil {
		return Principal{}, err
	}
	a.principals[name] = p

	log.WithField("principal", name).Debug("added principal")
	return *p, nil
}

// Principal returns the named principal.
func (a *Authority) Principal(name string) (Principal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.principals[name]; ok {
		return *p, true
	}
	return Principal{}, false
}

// Principals returns all principal names, in sorted order.
func (a *Authority) Principals() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out = make([]string, 0, len(a.principals))
	for name := range a.principals {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IssueTicket issues a bearer ticket for |principal| valid for |ttl|.
func (a *Authority) IssueTicket(principal string, ttl time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tickets == nil {
		return "", ErrNotStarted
	} else if _, ok := a.principals[principal]; !ok {
		return "", errors.Errorf("unknown principal %q", principal)
	}
	return a.tickets.Issue(principal, ttl)
}

// VerifyTicket verifies a bearer ticket, returning its principal.
func (a *Authority) VerifyTicket(ticket string) (string, error) {
	a.mu.Lock()
	var tickets = a.tickets
	a.mu.Unlock()

	if tickets == nil {
		return "", ErrNotStarted
	}
	var claims, err = tickets.Verify(ticket)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func generateCA(realm string) (*rsa.PrivateKey, *x509.Certificate, []byte, error) {
	var key, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "generating CA key")
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}
	var now = time.Now()
	var tmpl = &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"rollsec"},
			CommonName:   realm + " CA",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "creating CA certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "parsing CA certificate")
	}
	return key, cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func issueCert(caKey *rsa.PrivateKey, ca *x509.Certificate, hosts []string) (tls.Certificate, error) {
	if len(hosts) == 0 {
		return tls.Certificate{}, errors.New("expected at least one host")
	}
	var key, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "generating key")
	}
	serial, err := randomSerial()
	if err != nil {
		return tls.Certificate{}, err
	}
	var now = time.Now()
	var tmpl = &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"rollsec"},
			CommonName:   hosts[0],
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "creating certificate")
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "parsing certificate")
	}
	return tls.Certificate{
		Certificate: [][]byte{der, ca.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func randomSerial() (*big.Int, error) {
	var limit = new(big.Int).Lsh(big.NewInt(1), 128)
	var serial, err = rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, errors.Wrap(err, "generating serial")
	}
	return serial, nil
}
