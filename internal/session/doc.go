// Package session holds the two in-memory session tiers.
//
// Credential sessions are durable records of one user's credential bundle,
// keyed by the user's stable identity and encrypted at rest through the
// crypto service. Auth sessions are short-lived records tracking one
// QR-based login attempt from QR display to bundle capture, keyed by an
// unguessable random id.
//
// Each tier has its own idle/absolute timeout and its own sweeper loop.
// The two maps never reference each other; the orchestrator is the only
// component that relates them.
package session
