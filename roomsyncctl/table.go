package main

import (
	"errors"
	"fmt"

	"github.com/statewire/roomsync/roomsync"
)

// demo card table exercising every policy kind: a broadcast round counter,
// per-recipient hands, a masked score, and a server-only deck

const handLimit = 5

type table struct {
	round int
	score int
	deck  roomsync.List
	hands roomsync.Map
}

func newTable() *table {
	deck := roomsync.List{}
	for _, suit := range []string{"s", "h", "d", "c"} {
		for rank := 2; rank <= 14; rank += 1 {
			deck = append(deck, fmt.Sprintf("%d%s", rank, suit))
		}
	}
	return &table{
		deck:  deck,
		hands: roomsync.Map{},
	}
}

func (self *table) SyncFields() []roomsync.Field {
	return []roomsync.Field{
		{Name: "round", Policy: roomsync.Broadcast(), Value: self.round},
		{Name: "score", Policy: roomsync.Masked(func(score int) int { return score / 10 * 10 }), Value: self.score},
		{Name: "deck", Policy: roomsync.ServerOnly(), Value: self.deck},
		{Name: "hands", Policy: roomsync.OwnEntry(), Value: self.hands},
	}
}

func registerTableHandlers(room *roomsync.Room) {
	room.SetJoinHandler(func(action *roomsync.Action, root roomsync.Node) error {
		table := root.(*table)
		key := action.Requester.String()
		if _, ok := table.hands[key]; !ok {
			table.hands[key] = roomsync.List{}
		}
		action.Touch("/hands/" + key)
		return nil
	})

	room.SetLeaveHandler(func(action *roomsync.Action, root roomsync.Node) error {
		table := root.(*table)
		key := action.Requester.String()
		delete(table.hands, key)
		action.Touch("/hands/" + key)
		return nil
	})

	room.SetActionHandler("draw", func(action *roomsync.Action, root roomsync.Node) (any, error) {
		table := root.(*table)
		key := action.Requester.String()
		hand, ok := table.hands[key].(roomsync.List)
		if !ok {
			return nil, errors.New("not seated")
		}
		if handLimit <= len(hand) {
			return nil, errors.New("hand is full")
		}
		if len(table.deck) == 0 {
			return nil, errors.New("deck is empty")
		}
		i := action.Random.Intn(len(table.deck))
		card := table.deck[i]
		table.deck = append(table.deck[:i], table.deck[i+1:]...)
		table.hands[key] = append(hand, card)
		table.score += 1
		action.Touch("/hands/"+key, "/score")
		return card, nil
	})

	room.SetActionHandler("next_round", func(action *roomsync.Action, root roomsync.Node) (any, error) {
		table := root.(*table)
		table.round += 1
		for key := range table.hands {
			table.hands[key] = roomsync.List{}
			action.Touch("/hands/" + key)
		}
		action.Touch("/round")
		return table.round, nil
	})
}
