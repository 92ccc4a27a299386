// Package testutil contains helpers used across tests to reduce boilerplate
// when driving state machines: fluent history builders, scripted and blocking
// completion ports, and a recorder for published transitions. They are not
// intended for production usage.
package testutil
