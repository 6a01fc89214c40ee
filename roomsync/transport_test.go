package roomsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

func dialTestTransport(t *testing.T, server *httptest.Server, tokenStr string) *websocket.Conn {
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=" + tokenStr
	conn, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, nil, err)
	return conn
}

func readServerMessages(t *testing.T, conn *websocket.Conn, count int) []*serverMessage {
	messages := []*serverMessage{}
	for i := 0; i < count; i += 1 {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		message := &serverMessage{}
		err := conn.ReadJSON(message)
		assert.Equal(t, nil, err)
		messages = append(messages, message)
	}
	return messages
}

func TestTransportConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("transport-test-secret")

	manager := NewRoomManagerWithDefaults(ctx)
	defer manager.Close()

	roomId := NewId()
	table := newCardTable()
	room, err := manager.CreateRoom(roomId, table, DefaultRoomSettings())
	assert.Equal(t, nil, err)
	room.SetJoinHandler(func(action *Action, root Node) error {
		root.(*cardTable).sit(action.Requester, action.Requester.String())
		action.Touch(
			joinPath("/players", action.Requester.String()),
			joinPath("/hands", action.Requester.String()),
		)
		return nil
	})
	room.SetActionHandler("next_round", func(action *Action, root Node) (any, error) {
		table := root.(*cardTable)
		table.round += 1
		action.Touch("/round")
		return table.round, nil
	})
	room.Start()

	transport := NewTransportWithDefaults(ctx, manager, secret)
	defer transport.Close()
	server := httptest.NewServer(transport)
	defer server.Close()

	tokenStr, err := SignRoomToken(&RoomToken{
		RoomId:   roomId,
		ClientId: aliceId,
	}, secret, time.Minute)
	assert.Equal(t, nil, err)

	conn := dialTestTransport(t, server, tokenStr)
	defer conn.Close()

	// first frame is the wholesale snapshot
	first := readServerMessages(t, conn, 1)[0]
	assert.Equal(t, messageTypePatches, first.Type)
	assert.NotEqual(t, 0, len(first.Patches))
	for _, patch := range first.Patches {
		assert.Equal(t, PatchOpSet, patch.Op)
	}

	// an action produces a response and a patch frame, in either order
	err = conn.WriteJSON(&clientMessage{
		Type:   messageTypeAction,
		Seq:    1,
		Action: "next_round",
	})
	assert.Equal(t, nil, err)

	sawResponse := false
	sawRoundPatch := false
	for _, message := range readServerMessages(t, conn, 2) {
		switch message.Type {
		case messageTypeResponse:
			assert.Equal(t, uint64(1), message.Seq)
			sawResponse = true
		case messageTypePatches:
			for _, patch := range message.Patches {
				if patch.Path == "/round" {
					// json numbers decode as float64
					assert.Equal(t, float64(1), patch.Value)
					sawRoundPatch = true
				}
			}
		}
	}
	assert.Equal(t, true, sawResponse)
	assert.Equal(t, true, sawRoundPatch)

	// unknown actions surface a typed error frame
	err = conn.WriteJSON(&clientMessage{
		Type:   messageTypeAction,
		Seq:    2,
		Action: "no_such_action",
	})
	assert.Equal(t, nil, err)
	errorMessage := readServerMessages(t, conn, 1)[0]
	assert.Equal(t, messageTypeError, errorMessage.Type)
	assert.Equal(t, uint64(2), errorMessage.Seq)
}

func TestTransportRejectsBadToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := NewRoomManagerWithDefaults(ctx)
	defer manager.Close()

	transport := NewTransportWithDefaults(ctx, manager, []byte("secret"))
	defer transport.Close()
	server := httptest.NewServer(transport)
	defer server.Close()

	response, err := http.Get(server.URL + "?token=garbage")
	assert.Equal(t, nil, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)

	// valid token for a room that does not exist
	tokenStr, err := SignRoomToken(&RoomToken{
		RoomId:   NewId(),
		ClientId: aliceId,
	}, []byte("secret"), time.Minute)
	assert.Equal(t, nil, err)
	response, err = http.Get(server.URL + "?token=" + tokenStr)
	assert.Equal(t, nil, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
}
