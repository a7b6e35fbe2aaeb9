package credential

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Validate(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		name       string
		password   string
		violations []string
	}{
		{name: "valid", password: "Str0ng!pass"},
		{name: "short", password: "S0!a", violations: []string{"too short"}},
		{name: "no upper", password: "str0ng!pass", violations: []string{"missing uppercase letter"}},
		{name: "no lower", password: "STR0NG!PASS", violations: []string{"missing lowercase letter"}},
		{name: "no digit", password: "Strong!pass", violations: []string{"missing digit"}},
		{name: "no special", password: "Str0ngpass", violations: []string{"missing special character"}},
		{name: "too long", password: "Aa1!" + strings.Repeat("x", 70), violations: []string{"too long"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Validate(tt.password)
			if tt.violations == nil {
				assert.NoError(t, err)
				return
			}
			var policyErr *PolicyError
			require.True(t, errors.As(err, &policyErr))
			assert.Equal(t, tt.violations, policyErr.Violations)
		})
	}
}

func TestPolicy_RelaxedFlags(t *testing.T) {
	policy := Policy{MinLength: 4}
	assert.NoError(t, policy.Validate("abcd"))
	assert.Error(t, policy.Validate("abc"))
}
