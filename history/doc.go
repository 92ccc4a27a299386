// Package history provides ChatHistory, the ordered conversational record owned
// by a single agent, together with the Store interface used to persist it.
//
// Contract:
//   - Append assigns strictly increasing sequence numbers and never reorders
//   - Snapshot and Window return defensive copies safe to use while appends race
//   - Messages are only ever removed through an explicit EvictionPolicy
package history
