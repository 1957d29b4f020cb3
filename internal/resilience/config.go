package resilience

import (
	"time"

	"github.com/sells-group/projectmatch/internal/config"
)

// FromConfig converts the resilience settings into retry and breaker
// policies. Unset values keep the defaults.
func FromConfig(cfg config.ResilienceConfig) (RetryConfig, BreakerConfig) {
	retry := DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		retry.MaxBackoff = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}

	breaker := DefaultBreakerConfig()
	if cfg.FailureThreshold > 0 {
		breaker.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.ResetTimeoutSecs > 0 {
		breaker.ResetTimeout = time.Duration(cfg.ResetTimeoutSecs) * time.Second
	}
	return retry, breaker
}
