// Package cryptoutil holds hashing and signature helpers shared by the
// idempotency fingerprints, rate-limit identifiers and the signed policy
// documents.
package cryptoutil
