package security

import (
	"testing"
)

func TestNewEnvCipher(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{
			name:    "valid 32-byte key",
			key:     make([]byte, 32),
			wantErr: false,
		},
		{
			name:    "invalid short key",
			key:     make([]byte, 16),
			wantErr: true,
		},
		{
			name:    "empty key",
			key:     []byte{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewEnvCipher(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEnvCipher() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && c == nil {
				t.Error("NewEnvCipher() returned nil without error")
			}
		})
	}
}

func TestEnvCipherRoundTrip(t *testing.T) {
	c, err := NewEnvCipherFromSecret("test-server-secret")
	if err != nil {
		t.Fatalf("NewEnvCipherFromSecret() error = %v", err)
	}

	tests := []struct {
		name  string
		value string
	}{
		{name: "simple value", value: "postgres://user:pass@db:5432/app"},
		{name: "empty value", value: ""},
		{name: "unicode value", value: "pässwörd-日本語"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := c.Seal(tt.value)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if tt.value != "" && sealed == tt.value {
				t.Error("Seal() returned plaintext")
			}

			opened, err := c.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if opened != tt.value {
				t.Errorf("Open() = %q, want %q", opened, tt.value)
			}
		})
	}
}

func TestEnvCipherSealIsNonDeterministic(t *testing.T) {
	c, err := NewEnvCipherFromSecret("test-server-secret")
	if err != nil {
		t.Fatalf("NewEnvCipherFromSecret() error = %v", err)
	}

	a, err := c.Seal("value")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	b, err := c.Seal("value")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if a == b {
		t.Error("Seal() produced identical ciphertexts for the same value")
	}
}

func TestEnvCipherOpenRejectsTamperedValue(t *testing.T) {
	c, err := NewEnvCipherFromSecret("test-server-secret")
	if err != nil {
		t.Fatalf("NewEnvCipherFromSecret() error = %v", err)
	}

	other, err := NewEnvCipherFromSecret("a-different-secret")
	if err != nil {
		t.Fatalf("NewEnvCipherFromSecret() error = %v", err)
	}

	sealed, err := c.Seal("value")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, err := other.Open(sealed); err == nil {
		t.Error("Open() with wrong key succeeded")
	}

	if _, err := c.Open("not-base64!!"); err == nil {
		t.Error("Open() with malformed input succeeded")
	}
}
