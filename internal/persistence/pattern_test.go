package persistence

import (
	"testing"

	_assert "github.com/stretchr/testify/assert"
)

func TestStreamPattern_Match(t *testing.T) {
	assert := _assert.New(t)

	p := Pattern("order-*")
	assert.True(p.Match("order-1"))
	assert.True(p.Match("order-"))
	assert.False(p.Match("my-order-1"))
	assert.False(p.Match("invoice-1"))

	exact := Pattern("a.b")
	assert.True(exact.Match("a.b"))
	assert.False(exact.Match("axb"))

	all := Pattern("*")
	assert.True(all.Match(""))
	assert.True(all.MatchCommit(Commit{CommitAttempt: CommitAttempt{StreamID: "anything"}}))
	assert.Equal("order-*", p.String())
}
