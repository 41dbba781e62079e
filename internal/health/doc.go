// Package health builds the liveness and readiness probes served on the
// public and ops listeners.
//
// [All] joins probes and reports every failure. [PingCheck] and
// [StoreCheck] turn dependency round trips into probes, and
// [ShutdownGate] fails readiness while the server drains.
package health
