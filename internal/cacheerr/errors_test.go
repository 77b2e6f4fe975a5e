package cacheerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	wrapped := fmt.Errorf("seed terrain: %w", &QuotaExceededError{Layer: "terrain", Requested: 1200, Limit: 900})
	assert.True(t, IsQuota(wrapped))
	assert.False(t, IsConflict(wrapped))
	assert.Contains(t, wrapped.Error(), "1200 tiles requested, limit is 900")

	assert.True(t, IsValidation(Invalid("zoom", "%d > %d", 3, 2)))
	assert.True(t, IsConflict(&ConflictError{Layer: "photo", SessionID: "abc"}))
	assert.Contains(t, (&ConflictError{Layer: "photo", SessionID: "abc"}).Error(), "session abc")
	assert.Equal(t, "layer photo is being cleared", (&ConflictError{Layer: "photo"}).Error())
}

func TestNetworkError(t *testing.T) {
	err := fmt.Errorf("task: %w", &NetworkError{Kind: KindNotFound, URL: "http://a/1/2/3.png", StatusCode: 404})
	assert.True(t, IsNotFound(err))
	kind, ok := NetworkKindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindNotFound, kind)
	assert.Contains(t, err.Error(), "status 404")

	conn := &NetworkError{Kind: KindConnection, URL: "http://a", Err: io.ErrUnexpectedEOF}
	assert.False(t, IsNotFound(conn))
	assert.True(t, errors.Is(conn, io.ErrUnexpectedEOF))
}

func TestIOWrapping(t *testing.T) {
	assert.Nil(t, IO("write", "k", nil))

	err := IO("write", "terrain/1/0/0.png", io.ErrShortWrite)
	assert.True(t, IsIO(err))
	assert.True(t, errors.Is(err, io.ErrShortWrite))

	// already wrapped errors are not wrapped twice
	again := IO("remove", "other", err)
	assert.Same(t, err, again)
}
