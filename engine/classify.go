package engine

import "strings"

// recoverableFragments are the error-text markers that identify transient
// failures. Matching is case-insensitive substring search over the full
// error text. The list covers generic network conditions plus the transient
// responses of JSON-RPC nodes.
var recoverableFragments = []string{
	"timeout",
	"network error",
	"connection refused",
	"rate limit",
	"too many requests",
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"gas price too low",
	"insufficient funds for gas",
	"connection reset",
	"not found",
	"gateway timeout",
	"unknown transaction",
}

// IsRecoverable reports whether an error looks transient and is worth
// retrying. Classification is purely textual: wrapped causes are folded
// into the message by Error(), so no unwrapping is needed.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, frag := range recoverableFragments {
		if strings.Contains(text, frag) {
			return true
		}
	}
	return false
}
