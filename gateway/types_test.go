package gateway_test

import (
	"testing"
	"time"

	pkgerrors "github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/gateway"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		config      gateway.Config
		expectError bool
		timeout     time.Duration
	}{
		{
			name:    "defaults",
			config:  gateway.Config{},
			timeout: 10 * time.Second,
		},
		{
			name:    "valid config with CORS",
			config:  gateway.Config{EnableCORS: true, CORSOrigins: []string{"https://example.com"}, TimeoutStr: "2s"},
			timeout: 2 * time.Second,
		},
		{
			name:        "CORS without origins",
			config:      gateway.Config{EnableCORS: true},
			expectError: true,
		},
		{
			name:        "bad timeout",
			config:      gateway.Config{TimeoutStr: "soon"},
			expectError: true,
		},
		{
			name:        "timeout too short",
			config:      gateway.Config{TimeoutStr: "1ms"},
			expectError: true,
		},
		{
			name:        "timeout too long",
			config:      gateway.Config{TimeoutStr: "5m"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !pkgerrors.IsInvalid(err) {
					t.Errorf("expected invalid error, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := tt.config.Timeout(); got != tt.timeout {
				t.Errorf("expected timeout %v, got %v", tt.timeout, got)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	config := gateway.DefaultConfig()

	if config.EnableCORS {
		t.Error("expected EnableCORS to be false by default (requires explicit configuration)")
	}
	if len(config.CORSOrigins) != 0 {
		t.Errorf("expected default CORS origins to be empty, got: %v", config.CORSOrigins)
	}
	if config.Timeout() != 10*time.Second {
		t.Errorf("expected default timeout of 10s, got: %v", config.Timeout())
	}
}
