package resilience

import (
	"testing"
	"time"

	"github.com/sells-group/projectmatch/internal/config"
)

func TestFromConfig(t *testing.T) {
	retry, breaker := FromConfig(config.ResilienceConfig{
		MaxAttempts:      4,
		InitialBackoffMs: 50,
		MaxBackoffMs:     500,
		FailureThreshold: 2,
		ResetTimeoutSecs: 5,
	})
	if retry.MaxAttempts != 4 || retry.InitialBackoff != 50*time.Millisecond || retry.MaxBackoff != 500*time.Millisecond {
		t.Errorf("unexpected retry config %+v", retry)
	}
	if breaker.FailureThreshold != 2 || breaker.ResetTimeout != 5*time.Second {
		t.Errorf("unexpected breaker config %+v", breaker)
	}
}

func TestFromConfig_ZeroKeepsDefaults(t *testing.T) {
	retry, breaker := FromConfig(config.ResilienceConfig{})
	if retry.MaxAttempts != DefaultRetryConfig().MaxAttempts {
		t.Errorf("expected default attempts, got %d", retry.MaxAttempts)
	}
	if breaker != DefaultBreakerConfig() {
		t.Errorf("expected default breaker, got %+v", breaker)
	}
}
