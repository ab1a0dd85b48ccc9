package cache

import "fmt"

// JobPayloadKey holds the final runner payload of a job, keyed by its usage token.
func JobPayloadKey(token string) string {
	return fmt.Sprintf("job:payload:%s", token)
}

// RateLimitKey holds the per-minute request counter for one account.
func RateLimitKey(accountID string) string {
	return fmt.Sprintf("ratelimit:%s", accountID)
}
