// Package backend defines the contract between the execution pool and the
// solver code that actually runs task payloads, along with the registry that
// resolves which backend serves a given task kind.
package backend
