package lksdk

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	e := newError(ErrRTC, "pc.new", cause)

	assert.True(t, errors.Is(e, cause))
	assert.Contains(t, e.Error(), "rtc")
	assert.Contains(t, e.Error(), "pc.new")
}

func TestErrorWithoutCause(t *testing.T) {
	e := newError(ErrInvalidArg, "room.options", nil)
	assert.Equal(t, "lksdk: room.options: invalid_arg", e.Error())
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "no_mem", ErrNoMem.String())
	assert.Equal(t, "unknown", ErrorKind(99).String())
}
