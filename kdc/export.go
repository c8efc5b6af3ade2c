package kdc

import (
	"path"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// Credentials is the exported form of a realm, which out-of-process clients
// use to connect: the CA to trust and the principals to authenticate as.
type Credentials struct {
	Realm      string      `yaml:"realm"`
	CAFile     string      `yaml:"ca_file"`
	Principals []Principal `yaml:"principals"`
}

// Export writes the CA certificate to "ca.pem" and the realm's Credentials
// to "credentials.yaml" under |dir| of |fs|.
func (a *Authority) Export(fs afero.Fs, dir string) (Credentials, error) {
	var caPEM, err = a.CACertPEM()
	if err != nil {
		return Credentials{}, err
	}
	if err = fs.MkdirAll(dir, 0700); err != nil {
		return Credentials{}, errors.Wrap(err, "creating export directory")
	}
	var creds = Credentials{Realm: a.Realm, CAFile: path.Join(dir, "ca.pem")}

	for _, name := range a.Principals() {
		var p, _ = a.Principal(name)
		creds.Principals = append(creds.Principals, Principal{Name: p.Name, Password: p.Password})
	}
	if err = afero.WriteFile(fs, creds.CAFile, caPEM, 0600); err != nil {
		return Credentials{}, errors.Wrap(err, "writing CA")
	}
	b, err := yaml.Marshal(creds)
	if err != nil {
		return Credentials{}, errors.Wrap(err, "encoding credentials")
	}
	if err = afero.WriteFile(fs, path.Join(dir, "credentials.yaml"), b, 0600); err != nil {
		return Credentials{}, errors.Wrap(err, "writing credentials")
	}
	return creds, nil
}

// LoadCredentials reads Credentials exported to |dir| of |fs|.
func LoadCredentials(fs afero.Fs, dir string) (Credentials, []byte, error) {
	var creds Credentials

	var b, err = afero.ReadFile(fs, path.Join(dir, "credentials.yaml"))
	if err != nil {
		return creds, nil, errors.Wrap(err, "reading credentials")
	} else if err = yaml.UnmarshalStrict(b, &creds); err != nil {
		return creds, nil, errors.Wrap(err, "decoding credentials")
	}
	caPEM, err := afero.ReadFile(fs, creds.CAFile)
	if err != nil {
		return creds, nil, errors.Wrap(err, "reading CA")
	}
	return creds, caPEM, nil
}
