package security

import (
	"fmt"

	"github.com/quarryhq/quarry/pkg/types"
)

// SealEnv returns a copy of env with every sensitive value encrypted.
// Plain variables pass through untouched.
func (c *EnvCipher) SealEnv(env []types.EnvVar) ([]types.EnvVar, error) {
	sealed := make([]types.EnvVar, len(env))
	for i, v := range env {
		if v.Sensitive {
			ct, err := c.Seal(v.Value)
			if err != nil {
				return nil, fmt.Errorf("sealing env %s: %w", v.Name, err)
			}
			v.Value = ct
		}
		sealed[i] = v
	}
	return sealed, nil
}

// OpenEnv returns a copy of env with every sensitive value decrypted.
func (c *EnvCipher) OpenEnv(env []types.EnvVar) ([]types.EnvVar, error) {
	opened := make([]types.EnvVar, len(env))
	for i, v := range env {
		if v.Sensitive {
			pt, err := c.Open(v.Value)
			if err != nil {
				return nil, fmt.Errorf("opening env %s: %w", v.Name, err)
			}
			v.Value = pt
		}
		opened[i] = v
	}
	return opened, nil
}
