// Package resolver computes the effective configuration of a deployment
// attempt from up to three inputs: a base config snapshot, a fallback
// snapshot, and a partial override delta. Precedence is delta > base >
// fallback. Resolution is pure and all-or-nothing: it either yields a
// fully-validated config snapshot or a ValidationError, and never mutates
// its inputs.
package resolver
