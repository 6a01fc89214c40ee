package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/statewire/roomsync/roomsync"
)

const Version = "0.0.1"

const DefaultPort = 8080

func main() {
	usage := fmt.Sprintf(
		`Room sync demo server.

Serves a demo card table room over the websocket transport at /ws.
Clients authenticate with a signed room token (see the token command).

Usage:
    roomsyncctl serve [--port=<port>] [--secret=<secret>] [--tick_ms=<tick_ms>]
    roomsyncctl token --room=<room_id> --client=<client_id> [--secret=<secret>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    -p --port=<port>         Listen port [default: %d].
    --secret=<secret>        Token signing secret. Prompted when not given.
    --tick_ms=<tick_ms>      Periodic sync tick in milliseconds [default: 0].
    --room=<room_id>         Room id.
    --client=<client_id>     Client id.`,
		DefaultPort,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func requireSecret(opts docopt.Opts) []byte {
	if secretAny := opts["--secret"]; secretAny != nil {
		return []byte(secretAny.(string))
	}
	fmt.Print("secret: ")
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		panic(err)
	}
	return secret
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	tickMillis, _ := opts.Int("--tick_ms")
	secret := requireSecret(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		<-stop
		cancel()
	}()

	manager := roomsync.NewRoomManagerWithDefaults(cancelCtx)
	defer manager.Close()

	roomId := roomsync.NewId()
	settings := roomsync.DefaultRoomSettings()
	settings.TickInterval = time.Duration(tickMillis) * time.Millisecond
	room, err := manager.CreateRoom(roomId, newTable(), settings)
	if err != nil {
		panic(err)
	}
	registerTableHandlers(room)
	room.Start()

	transport := roomsync.NewTransportWithDefaults(cancelCtx, manager, secret)
	defer transport.Close()

	fmt.Printf("room_id: %s\n", roomId)
	fmt.Printf("listening on :%d\n", port)

	mux := http.NewServeMux()
	mux.Handle("/ws", transport)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-cancelCtx.Done()
		server.Close()
	}()
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		glog.Errorf("[ctl]serve = %s\n", err)
	}
}

func token(opts docopt.Opts) {
	roomId, err := roomsync.ParseId(opts["--room"].(string))
	if err != nil {
		panic(err)
	}
	clientId, err := roomsync.ParseId(opts["--client"].(string))
	if err != nil {
		panic(err)
	}
	secret := requireSecret(opts)

	tokenStr, err := roomsync.SignRoomToken(&roomsync.RoomToken{
		RoomId:   roomId,
		ClientId: clientId,
	}, secret, 24*time.Hour)
	if err != nil {
		panic(err)
	}
	fmt.Println(tokenStr)
}
