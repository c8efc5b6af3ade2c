// Package kdc is an in-process credential authority for test clusters.
//
// An Authority plays the role a Kerberos KDC plays for a production cluster:
// it owns a certificate authority from which brokers draw TLS certificates,
// a set of principals with passwords (and derived SCRAM credentials) against
// which brokers authenticate SASL clients, and a ticket key which signs the
// bearer tokens presented by OAUTHBEARER clients.
package kdc
