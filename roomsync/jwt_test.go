package roomsync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRoomTokenCodec(t *testing.T) {
	secret := []byte("test-secret")
	token := &RoomToken{
		RoomId:   NewId(),
		ClientId: NewId(),
	}

	tokenStr, err := SignRoomToken(token, secret, time.Minute)
	assert.Equal(t, nil, err)

	parsed, err := ParseRoomToken(tokenStr, secret)
	assert.Equal(t, nil, err)
	assert.Equal(t, token.RoomId, parsed.RoomId)
	assert.Equal(t, token.ClientId, parsed.ClientId)

	// wrong secret
	_, err = ParseRoomToken(tokenStr, []byte("other-secret"))
	assert.NotEqual(t, nil, err)

	// expired
	expiredStr, err := SignRoomToken(token, secret, -time.Minute)
	assert.Equal(t, nil, err)
	_, err = ParseRoomToken(expiredStr, secret)
	assert.NotEqual(t, nil, err)

	// garbage
	_, err = ParseRoomToken("not-a-token", secret)
	assert.NotEqual(t, nil, err)
}
