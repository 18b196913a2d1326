// Package secrets redacts credentials from text before it is shown inline
// in a preview or sent to an external summarization provider.
//
// Two engines are available: a compact set of built-in regular expressions
// tuned for tool output, and the gitleaks default rule pack for broader
// coverage at higher cost. Stored payloads are never scrubbed; only the
// copies that leave the store are.
package secrets
