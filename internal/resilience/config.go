package resilience

import (
	"github.com/sells-group/oficio-cli/internal/config"
)

// PrimaryRetryConfig builds the retry policy for the primary decision
// service. retry_attempts counts retries, so one is added for the first try.
func PrimaryRetryConfig(cfg config.PrimaryConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.RetryAttempts >= 0 {
		rc.MaxAttempts = cfg.RetryAttempts + 1
	}
	if cfg.RetryBackoffMs > 0 {
		rc.InitialBackoff = config.Millis(cfg.RetryBackoffMs)
	}
	rc.OnRetry = RetryLogger("primary", "dispatch_decision")
	return rc
}

// PrimaryBreakerConfig builds the circuit breaker settings for the primary
// decision service.
func PrimaryBreakerConfig(cfg config.PrimaryConfig) CircuitBreakerConfig {
	bc := DefaultCircuitBreakerConfig()
	bc.Name = "primary"
	if cfg.BreakerThreshold > 0 {
		bc.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerResetSecs > 0 {
		bc.ResetTimeout = config.Seconds(cfg.BreakerResetSecs)
	}
	return bc
}
