// Package policy holds the request-pipeline policy document: rate-limit
// rules, idempotency, cache and ETag settings, security headers, locale and
// API version support.
//
// The document is YAML. It is read from a local file or, in deployed
// environments, from S3 addressed by a hash published in SSM, optionally
// signed with a KMS key. A Manager holds the active document and a Watcher
// hot-swaps it when the published hash changes. Middleware reads the
// document through Source on every request.
package policy
