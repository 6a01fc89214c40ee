package roomsync

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// RoomToken is the signed join credential the transport accepts: which
// room, as which client. The core never sees tokens - identity arrives at
// the boundary as an opaque Id.
type RoomToken struct {
	RoomId   Id
	ClientId Id
}

func SignRoomToken(token *RoomToken, secret []byte, expiration time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"room_id":   token.RoomId.String(),
		"client_id": token.ClientId.String(),
	}
	if expiration != 0 {
		claims["exp"] = time.Now().Add(expiration).Unix()
	}
	jwt := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return jwt.SignedString(secret)
}

func ParseRoomToken(tokenStr string, secret []byte) (*RoomToken, error) {
	jwt, err := gojwt.Parse(
		tokenStr,
		func(jwt *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := jwt.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("missing claims")
	}

	token := &RoomToken{}
	if roomIdStr, ok := claims["room_id"].(string); ok {
		if token.RoomId, err = ParseId(roomIdStr); err != nil {
			return nil, fmt.Errorf("bad room_id: %s", err)
		}
	} else {
		return nil, errors.New("missing room_id")
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if token.ClientId, err = ParseId(clientIdStr); err != nil {
			return nil, fmt.Errorf("bad client_id: %s", err)
		}
	} else {
		return nil, errors.New("missing client_id")
	}

	return token, nil
}
