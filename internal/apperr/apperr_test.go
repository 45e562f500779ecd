package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("assign: %w", Conflict(ReasonAlreadyAssigned, "ride already accepted by another driver"))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, ReasonAlreadyAssigned, ReasonOf(err))
	assert.True(t, errors.Is(err, &Error{Kind: KindConflict}))
	assert.True(t, errors.Is(err, &Error{Kind: KindConflict, Reason: ReasonAlreadyAssigned}))
	assert.False(t, errors.Is(err, &Error{Kind: KindConflict, Reason: ReasonNotAvailable}))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestTransientUnwraps(t *testing.T) {
	root := errors.New("dial tcp: refused")
	err := Transient(root, "geo search")
	assert.ErrorIs(t, err, root)
	assert.True(t, IsTransient(err))
	assert.Equal(t, "geo search: dial tcp: refused", err.Error())
}
