// Package mainboilerplate contains shared boilerplate for this project's
// programs: logging, diagnostics, configuration parsing, and Etcd dialing.
// Its methods are narrowly scoped so callers do not have to buy in to an
// all-or-nothing approach.
package mainboilerplate
