package bridgeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationf(t *testing.T) {
	err := Validationf(400, "bad %s", "id")
	assert.Equal(t, "bad id", err.Error())
	assert.Equal(t, Validation, KindOf(err))
	assert.Equal(t, 400, StatusOf(err))
}

func TestNoop(t *testing.T) {
	err := Noop("already seen")
	assert.Equal(t, IdempotentNoop, KindOf(err))
	assert.Equal(t, 204, StatusOf(err))
}

func TestTransientWraps(t *testing.T) {
	inner := errors.New("timeout")
	err := Transient("fetch failed", inner)
	assert.Equal(t, RemoteTransient, KindOf(err))
	assert.Equal(t, 502, StatusOf(err))
	assert.ErrorIs(t, err, inner)
}

func TestKindOfUnknownError(t *testing.T) {
	assert.Equal(t, InternalSynthetic, KindOf(errors.New("some random error")))
	assert.Equal(t, 500, StatusOf(errors.New("some random error")))
}

func TestKindOfThroughWrap(t *testing.T) {
	base := Validationf(422, "invalid")
	wrapped := fmt.Errorf("context: %w", base)
	assert.Equal(t, Validation, KindOf(wrapped))
	assert.Equal(t, 422, StatusOf(wrapped))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "validation", Validation.String())
	assert.Equal(t, "idempotent_noop", IdempotentNoop.String())
	assert.Equal(t, "remote_transient", RemoteTransient.String())
	assert.Equal(t, "gateway", Gateway.String())
	assert.Equal(t, "internal_synthetic", InternalSynthetic.String())
}
