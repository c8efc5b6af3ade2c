// Package protocol defines the data model shared by brokers, clients, and
// system tests: security protocols and SASL mechanisms, topic specifications
// and replica assignments, leader epochs, and the coordination values which
// brokers persist under a cluster root. Coordination values are YAML encoded
// and validated on both encode and decode.
package protocol
