package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pborman/uuid"

	"github.com/mqy/chatrelay/chatstore"
	"github.com/mqy/chatrelay/client"
	"github.com/mqy/chatrelay/wire"
)

// The demo runs two chat clients against a local relay server: alice sends a
// message on every tick, bob acknowledges delivery and marks it read.
// Start the server first: `go run . --addr 127.0.0.1:8000`.

var (
	serverAddr     = flag.String("server-addr", "ws://127.0.0.1:8000/ws", "relay server websocket URL")
	dataDir        = flag.String("data-dir", "/tmp/chatrelay-demo", "dir to save per-user bolt files")
	tickerDuration = flag.Duration("ticker-duration", 5*time.Second, "ticker duration")
)

type demoUser struct {
	id      string
	manager *client.Manager
	tracker *client.Tracker
	store   chatstore.API
}

func newDemoUser(id string) *demoUser {
	store, err := chatstore.NewBoltStore(filepath.Join(*dataDir, id+".db"))
	if err != nil {
		panic(err)
	}

	m, err := client.NewManager(client.Conf{
		Addrs:  []string{*serverAddr},
		UserID: id,
	})
	if err != nil {
		panic(err)
	}

	u := &demoUser{
		id:      id,
		manager: m,
		tracker: client.NewTracker(store, m, id),
		store:   store,
	}

	m.OnConnectionChange(func(connected bool) {
		fmt.Printf("[%s] connected: %v\n", id, connected)
	})
	m.OnUserStatus(func(us *wire.UserStatus) {
		fmt.Printf("[%s] peer %s online: %v\n", id, us.UserID, us.Online)
	})
	m.OnStatusUpdate(func(su *wire.MessageStatus) {
		u.tracker.ApplyUpdate(su)
		fmt.Printf("[%s] message %s is now %s\n", id, su.MessageID, su.Status)
	})
	m.OnMessage(func(msg *wire.Message) {
		if !u.tracker.OnNewMessage(context.Background(), msg) {
			return
		}
		fmt.Printf("[%s] received from %s: %s\n", id, msg.SenderID, msg.Content)
		// A real app marks read when the conversation is on screen.
		u.tracker.MarkViewed(context.Background(), msg.ID)
	})

	m.Connect()
	return u
}

func (u *demoUser) close() {
	u.manager.Close()
	u.store.Close()
}

func main() {
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0750); err != nil {
		panic(err)
	}

	alice := newDemoUser("alice")
	defer alice.close()
	bob := newDemoUser("bob")
	defer bob.close()

	alice.manager.JoinChat(bob.id)
	bob.manager.JoinChat(alice.id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go alice.tracker.Run(ctx, bob.id)
	go bob.tracker.Run(ctx, alice.id)

	ticker := time.NewTicker(*tickerDuration)
	defer ticker.Stop()

	var i int
	for range ticker.C {
		msg := &wire.Message{
			ID:         uuid.New(),
			ReceiverID: bob.id,
			Content:    fmt.Sprintf("hello #%d", i),
		}
		if err := alice.manager.SendMessage(msg); err != nil {
			fmt.Printf("[%s] send failed: %v\n", alice.id, err)
		}
		i++
	}
}
