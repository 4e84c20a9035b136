// Package security provides AES-256-GCM sealing of sensitive environment
// variable values so they are never written to the ledger in plaintext.
// The key is derived from the server secret with SHA-256.
package security
