package errcat_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/datawire/resolved/internal/errcat"
)

func TestGetCategory(t *testing.T) {
	assert.Equal(t, errcat.OK, errcat.GetCategory(nil))
	assert.Equal(t, errcat.Unknown, errcat.GetCategory(fmt.Errorf("plain")))

	err := errcat.NotFound.New("no such transaction")
	assert.Equal(t, errcat.NotFound, errcat.GetCategory(err))
	assert.True(t, errcat.Is(err, errcat.NotFound))

	wrapped := fmt.Errorf("delivering reply: %w", err)
	assert.Equal(t, errcat.NotFound, errcat.GetCategory(wrapped))
}

func TestNewNilPassthrough(t *testing.T) {
	assert.Nil(t, errcat.IO.New(nil))
}

func TestNewf(t *testing.T) {
	err := errcat.InvalidInput.Newf("bad literal %q", "nope")
	assert.EqualError(t, err, `bad literal "nope"`)
	assert.Equal(t, errcat.InvalidInput, errcat.GetCategory(err))
}
