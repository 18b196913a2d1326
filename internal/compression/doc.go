// Package compression shrinks a conversation to a token budget.
//
// Compress summarizes the oldest eligible messages first and stops as soon
// as the history fits. Messages that carry memory references are never
// touched: compression must not re-expand offloaded content. A summarizer
// that keeps failing costs at most MaxRetries+1 attempts per message, after
// which the message is hard-truncated to MaxSummaryTokens. Messages are
// never dropped.
package compression
