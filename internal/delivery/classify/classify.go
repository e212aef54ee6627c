package classify

import (
	"strings"
)

// Category is the failure taxonomy shared by transport errors and bounces.
type Category string

const (
	ConnectionError     Category = "connection_error"
	AuthenticationError Category = "authentication_error"
	RateLimited         Category = "rate_limited"
	Greylisted          Category = "greylisted"
	InvalidRecipient    Category = "invalid_recipient"
	Rejected            Category = "rejected"
	TemporaryFailure    Category = "temporary_failure"
	PermanentFailure    Category = "permanent_failure"
	Unknown             Category = "unknown"
)

// Classification is the outcome of classifying a raw failure.
type Classification struct {
	Category  Category
	Retryable bool
}

// Rule groups are checked in order; the first match wins, so group order
// encodes priority and must not be reordered.
var (
	connectionPatterns = []string{
		"connection reset",
		"connection refused",
		"connection closed",
		"broken pipe",
		"timeout",
		"timed out",
		"no such host",
		"dns",
		"network is unreachable",
		"eof",
	}

	temporaryCodes    = []string{"421", "450", "451", "452"}
	temporaryPhrases  = []string{"try again", "temporarily unavailable", "temporary failure", "service not available"}
	rateLimitPhrases  = []string{"rate limit", "too many requests", "429", "quota exceeded", "sending limit"}
	greylistPhrases   = []string{"greylist", "graylist", "deferred due to greylisting", "please retry later"}
	recipientPhrases  = []string{"recipient", "no such user", "user unknown", "mailbox unavailable", "mailbox not found", "address rejected", "does not exist"}
	rejectionPhrases  = []string{"spam", "blocked", "blacklist", "denylist", "content rejected", "policy rejection", "prohibited"}
	permanentCodes    = []string{"550", "551", "552", "553", "554"}
	authPhrases       = []string{"authentication", "auth failed", "invalid credentials", "535", "password", "unauthorized"}
)

// Classify maps a raw transport failure to a category and retry decision.
// Unmatched errors are treated as retryable so unfamiliar provider strings
// never silently drop a message.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: Unknown, Retryable: true}
	}
	return ClassifyText(err.Error())
}

// ClassifyText classifies a raw failure description.
func ClassifyText(msg string) Classification {
	lower := strings.ToLower(msg)

	if containsAny(lower, connectionPatterns) {
		return Classification{Category: ConnectionError, Retryable: true}
	}
	if containsAny(lower, temporaryCodes) || containsAny(lower, temporaryPhrases) {
		return Classification{Category: TemporaryFailure, Retryable: true}
	}
	if containsAny(lower, rateLimitPhrases) {
		return Classification{Category: RateLimited, Retryable: true}
	}
	if containsAny(lower, greylistPhrases) {
		return Classification{Category: Greylisted, Retryable: true}
	}
	if containsAny(lower, permanentCodes) {
		if containsAny(lower, recipientPhrases) {
			return Classification{Category: InvalidRecipient, Retryable: false}
		}
		if containsAny(lower, rejectionPhrases) {
			return Classification{Category: Rejected, Retryable: false}
		}
		return Classification{Category: PermanentFailure, Retryable: false}
	}
	if containsAny(lower, authPhrases) {
		return Classification{Category: AuthenticationError, Retryable: false}
	}

	return Classification{Category: Unknown, Retryable: true}
}

// ClassifyBounce decides hard vs soft for a provider bounce callback.
// Hard bounces are the non-retryable categories.
func ClassifyBounce(code, message string) (Classification, bool) {
	c := ClassifyText(code + " " + message)
	hard := !c.Retryable
	return c, hard
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
