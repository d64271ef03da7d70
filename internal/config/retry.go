package config

// RetryBackoffMode enumerates supported backoff growth modes.
type RetryBackoffMode string

const (
	RetryBackoffFixed       RetryBackoffMode = "fixed"
	RetryBackoffLinear      RetryBackoffMode = "linear"
	RetryBackoffExponential RetryBackoffMode = "exponential"
)

var retryBackoffNormalizer = newNormalizer(map[string]RetryBackoffMode{
	"fixed":       RetryBackoffFixed,
	"linear":      RetryBackoffLinear,
	"exponential": RetryBackoffExponential,
}, RetryBackoffLinear)

// NormalizeRetryBackoffMode maps a raw string to a backoff mode, defaulting to linear.
func NormalizeRetryBackoffMode(raw string) RetryBackoffMode {
	return retryBackoffNormalizer.Normalize(raw)
}
