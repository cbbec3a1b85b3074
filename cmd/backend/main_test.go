package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfig tests flag and environment handling
func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		want    Config
		wantErr bool
	}{
		{
			name: "defaults",
			want: Config{Listen: defaultListen},
		},
		{
			name: "environment",
			env:  map[string]string{"BACKEND_LISTEN": ":5000", "BACKEND_LATENCY": "150ms", "BACKEND_FAILURE_RATE": "0.25"},
			want: Config{Listen: ":5000", Latency: 150 * time.Millisecond, FailureRate: 0.25},
		},
		{
			name: "flags override environment",
			env:  map[string]string{"BACKEND_LATENCY": "150ms"},
			args: []string{"--latency=1s", "--verbose"},
			want: Config{Listen: defaultListen, Latency: time.Second, Verbose: true},
		},
		{
			name:    "malformed latency",
			env:     map[string]string{"BACKEND_LATENCY": "slow"},
			wantErr: true,
		},
		{
			name:    "malformed failure rate",
			env:     map[string]string{"BACKEND_FAILURE_RATE": "often"},
			wantErr: true,
		},
		{
			name:    "failure rate out of range",
			args:    []string{"--failure-rate=2"},
			wantErr: true,
		},
		{
			name:    "negative latency",
			args:    []string{"--latency=-1s"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got, err := loadConfig(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetenv(t *testing.T) {
	t.Setenv("BACKEND_TEST_SET", "x")
	assert.Equal(t, "x", getenv("BACKEND_TEST_SET", "d"))
	assert.Equal(t, "d", getenv("BACKEND_TEST_UNSET", "d"))
}
