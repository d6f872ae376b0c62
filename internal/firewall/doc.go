// Package firewall turns desired enforcement states (kill switch, split
// tunneling) into tagged host firewall rules and applies them
// transactionally.
//
// # Overview
//
// Every rule hostguard installs lives in its own inet table and output
// chain, so the host's own ruleset is never read or modified. A rule's
// identity is its [Rule.Key], which is also stored as the installed rule's
// tag. Recovery after a crash clears the whole table.
//
// # Architecture
//
//	Zone + Policy → DesiredState → Resolve → []Rule → Enforcer.Commit → Backend
//
// # Key Types
//
//   - [State]: a desired enforcement state; the zero value is the baseline
//   - [Enforcer]: serializes commits, diffs against the live rule set and
//     rolls back a partially applied commit
//   - [Backend]: where rules go; [NFTBackend] on Linux, [MemoryBackend] for
//     tests and dry runs
//
// # Commit Semantics
//
// A commit computes the rules to add and remove, applies additions before
// removals, and on any failure restores the prior rule set. Either the
// whole next state is live or the previous one is. The committed state is
// persisted so [Enforcer.Recover] can clean up after a crash.
package firewall
