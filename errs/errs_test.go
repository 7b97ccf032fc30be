package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func TestKindOfThroughWrapping(t *testing.T) {
	err := fmt.Errorf("submit: %w", E(ExternalFailure, "place order", errBoom))

	k, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, ExternalFailure, k)
	assert.True(t, Retryable(err))
	assert.ErrorIs(t, err, errBoom)
}

func TestOnlyExternalFailureRetries(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{UserInput, false},
		{ExternalFailure, true},
		{StrategyFault, false},
		{RiskBreach, false},
		{ConsistencyViolation, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(E(tt.kind, "op", errBoom)))
		})
	}
}

func TestNilAndPlainErrors(t *testing.T) {
	assert.NoError(t, E(UserInput, "op", nil))
	_, ok := KindOf(errBoom)
	assert.False(t, ok)

	err := Errorf(UserInput, "validate", "quantity %v must be positive", -1.0)
	assert.Equal(t, "validate: user_input: quantity -1 must be positive", err.Error())
}
