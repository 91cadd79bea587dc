package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChatMembership(t *testing.T) {
	c := &Chat{ID: 1, UserAID: 3, UserBID: 9}

	assert.True(t, c.HasMember(3))
	assert.True(t, c.HasMember(9))
	assert.False(t, c.HasMember(4))

	assert.Equal(t, uint64(9), c.PeerOf(3))
	assert.Equal(t, uint64(3), c.PeerOf(9))
	assert.Zero(t, c.PeerOf(4))
}
