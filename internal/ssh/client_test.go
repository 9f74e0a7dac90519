package ssh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/sockssh/internal/testutil"
)

func TestClientConfigValidate(t *testing.T) {
	t.Parallel()

	signer := testutil.GenerateSigner(t)
	insecure := ssh.InsecureIgnoreHostKey() //nolint:gosec // Test.

	tests := []struct {
		name    string
		config  ClientConfig
		wantErr string
	}{
		{
			name:    "missing username",
			config:  ClientConfig{Password: "pass", HostKeyCallback: insecure},
			wantErr: "missing username",
		},
		{
			name:    "missing auth method",
			config:  ClientConfig{Username: "user", HostKeyCallback: insecure},
			wantErr: "missing password or key",
		},
		{
			name:    "missing host key callback",
			config:  ClientConfig{Username: "user", Password: "pass"},
			wantErr: "missing host key callback",
		},
		{
			name:   "password",
			config: ClientConfig{Username: "user", Password: "pass", HostKeyCallback: insecure},
		},
		{
			name:   "key",
			config: ClientConfig{Username: "user", Signers: []ssh.Signer{signer}, HostKeyCallback: insecure},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.config.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAuthMethodsOrder(t *testing.T) {
	t.Parallel()

	cfg := ClientConfig{Username: "user", Password: "pass", Signers: []ssh.Signer{testutil.GenerateSigner(t)}}
	assert.Len(t, cfg.AuthMethods(), 2)

	cfg.Signers = nil
	assert.Len(t, cfg.AuthMethods(), 1)
}

func TestParseHostKeyPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    HostKeyPolicy
		wantErr bool
	}{
		{in: "", want: PolicyAcceptNew},
		{in: "strict", want: PolicyStrict},
		{in: "Accept-New", want: PolicyAcceptNew},
		{in: " warn ", want: PolicyWarn},
		{in: "insecure", want: PolicyInsecure},
		{in: "yolo", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseHostKeyPolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
