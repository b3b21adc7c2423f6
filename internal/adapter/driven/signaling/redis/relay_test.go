package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/medmeet/internal/adapter/driven/signaling"
	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

const call = domain.CallID("appt_123")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRelay(t *testing.T) (*Relay, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewRelay(client, signaling.Options{Now: c.Now}), mr, c
}

func TestAnnouncePresence(t *testing.T) {
	relay, _, c := newTestRelay(t)
	ctx := context.Background()

	first, err := relay.AnnouncePresence(ctx, call, "doctor", "Dr. Grey")
	if err != nil {
		t.Fatalf("AnnouncePresence: %v", err)
	}
	if !first.JoinedAt.Equal(c.Now()) {
		t.Errorf("JoinedAt = %v, want %v", first.JoinedAt, c.Now())
	}

	c.Advance(time.Second)
	second, err := relay.AnnouncePresence(ctx, call, "doctor", "Dr. Grey")
	if err != nil {
		t.Fatalf("AnnouncePresence: %v", err)
	}
	if second.Incarnation() != first.Incarnation() {
		t.Errorf("incarnation changed on refresh: %d -> %d", first.Incarnation(), second.Incarnation())
	}

	peers, err := relay.ListPeers(ctx, call, "patient")
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("len(peers) = %d, want 1", len(peers))
	}
	if !peers[0].LastSeenAt.Equal(c.Now()) {
		t.Errorf("LastSeenAt = %v, want %v", peers[0].LastSeenAt, c.Now())
	}
	if peers[0].DisplayName != "Dr. Grey" {
		t.Errorf("DisplayName = %q, want %q", peers[0].DisplayName, "Dr. Grey")
	}
}

func TestListPeersOrder(t *testing.T) {
	relay, _, c := newTestRelay(t)
	ctx := context.Background()

	relay.AnnouncePresence(ctx, call, "b", "B")
	c.Advance(time.Millisecond)
	relay.AnnouncePresence(ctx, call, "a", "A")

	peers, err := relay.ListPeers(ctx, call, "")
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	if len(peers) != 2 || peers[0].ID != "b" || peers[1].ID != "a" {
		t.Fatalf("peers = %v, want [b a]", peers)
	}
}

func TestRoomFullAndEviction(t *testing.T) {
	relay, _, c := newTestRelay(t)
	ctx := context.Background()

	relay.AnnouncePresence(ctx, call, "a", "A")
	relay.AnnouncePresence(ctx, call, "b", "B")
	if _, err := relay.AnnouncePresence(ctx, call, "c", "C"); !errors.Is(err, domain.ErrRoomFull) {
		t.Fatalf("err = %v, want ErrRoomFull", err)
	}

	c.Advance(signaling.DefaultStaleAfter + time.Second)
	relay.AnnouncePresence(ctx, call, "a", "A")
	if _, err := relay.AnnouncePresence(ctx, call, "c", "C"); err != nil {
		t.Fatalf("AnnouncePresence after b went stale: %v", err)
	}

	peers, _ := relay.ListPeers(ctx, call, "")
	if len(peers) != 2 || peers[0].ID != "a" || peers[1].ID != "c" {
		t.Errorf("peers = %v, want [a c]", peers)
	}
}

func TestEvictionPurgesSignals(t *testing.T) {
	relay, _, c := newTestRelay(t)
	ctx := context.Background()

	relay.AnnouncePresence(ctx, call, "a", "A")
	relay.AnnouncePresence(ctx, call, "b", "B")
	relay.SendMessage(ctx, call, "b", domain.KindPresenceAnnounce, []byte("{}"))

	c.Advance(signaling.DefaultStaleAfter + time.Second)
	relay.AnnouncePresence(ctx, call, "a", "A")
	if _, err := relay.AnnouncePresence(ctx, call, "c", "C"); err != nil {
		t.Fatalf("AnnouncePresence: %v", err)
	}

	msgs, err := relay.PollMessages(ctx, call, "c")
	if err != nil {
		t.Fatalf("PollMessages: %v", err)
	}
	for _, msg := range msgs {
		if msg.SenderID == "b" {
			t.Errorf("newcomer received %s from the evicted participant", msg.Kind)
		}
	}
}

func TestMessageLifecycle(t *testing.T) {
	relay, _, _ := newTestRelay(t)
	ctx := context.Background()

	sent := make([]domain.SignalingMessage, 0, 3)
	for _, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		msg, err := relay.SendMessage(ctx, call, "a", domain.KindICECandidate, []byte(payload))
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		sent = append(sent, msg)
	}

	if own, _ := relay.PollMessages(ctx, call, "a"); len(own) != 0 {
		t.Errorf("sender polled %d messages, want 0", len(own))
	}

	msgs, err := relay.PollMessages(ctx, call, "b")
	if err != nil {
		t.Fatalf("PollMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	for i, msg := range msgs {
		if msg.ID != sent[i].ID {
			t.Errorf("msgs[%d].ID = %s, want %s", i, msg.ID, sent[i].ID)
		}
		if string(msg.Payload) != string(sent[i].Payload) {
			t.Errorf("msgs[%d].Payload = %s, want %s", i, msg.Payload, sent[i].Payload)
		}
		if msg.Kind != domain.KindICECandidate || msg.SenderID != "a" {
			t.Errorf("msgs[%d] = %s from %s", i, msg.Kind, msg.SenderID)
		}
	}

	for i := 0; i < 2; i++ {
		if err := relay.ConsumeMessage(ctx, call, sent[0].ID); err != nil {
			t.Fatalf("ConsumeMessage #%d: %v", i+1, err)
		}
	}
	if err := relay.ConsumeMessage(ctx, call, "not-a-stream-id"); err != nil {
		t.Fatalf("ConsumeMessage(unknown): %v", err)
	}
	msgs, _ = relay.PollMessages(ctx, call, "b")
	if len(msgs) != 2 {
		t.Errorf("len(msgs) after consume = %d, want 2", len(msgs))
	}
}

func TestLeaveRoom(t *testing.T) {
	relay, _, _ := newTestRelay(t)
	ctx := context.Background()

	relay.AnnouncePresence(ctx, call, "a", "A")
	relay.AnnouncePresence(ctx, call, "b", "B")
	relay.SendMessage(ctx, call, "a", domain.KindOffer, []byte("{}"))
	relay.SendMessage(ctx, call, "b", domain.KindAnswer, []byte("{}"))

	for i := 0; i < 2; i++ {
		if err := relay.LeaveRoom(ctx, call, "a"); err != nil {
			t.Fatalf("LeaveRoom #%d: %v", i+1, err)
		}
	}

	peers, _ := relay.ListPeers(ctx, call, "")
	if len(peers) != 1 || peers[0].ID != "b" {
		t.Errorf("peers = %v, want [b]", peers)
	}
	msgs, _ := relay.PollMessages(ctx, call, "")
	if len(msgs) != 1 || msgs[0].SenderID != "b" {
		t.Errorf("messages = %v, want only b's answer", msgs)
	}
}

func TestPurgeMessages(t *testing.T) {
	relay, _, _ := newTestRelay(t)
	ctx := context.Background()

	relay.AnnouncePresence(ctx, call, "a", "A")
	relay.SendMessage(ctx, call, "a", domain.KindOffer, []byte("{}"))
	relay.SendMessage(ctx, call, "a", domain.KindICECandidate, []byte("{}"))

	if err := relay.PurgeMessages(ctx, call, "a"); err != nil {
		t.Fatalf("PurgeMessages: %v", err)
	}
	if msgs, _ := relay.PollMessages(ctx, call, "b"); len(msgs) != 0 {
		t.Errorf("len(msgs) = %d, want 0", len(msgs))
	}
	if peers, _ := relay.ListPeers(ctx, call, ""); len(peers) != 1 {
		t.Errorf("purge removed presence")
	}
}

func TestRoomExpires(t *testing.T) {
	relay, mr, _ := newTestRelay(t)
	ctx := context.Background()

	relay.AnnouncePresence(ctx, call, "a", "A")
	relay.SendMessage(ctx, call, "a", domain.KindPresenceAnnounce, []byte("{}"))
	mr.FastForward(signaling.DefaultRoomTTL + time.Second)

	if peers, _ := relay.ListPeers(ctx, call, ""); len(peers) != 0 {
		t.Errorf("len(peers) = %d after TTL, want 0", len(peers))
	}
	if msgs, _ := relay.PollMessages(ctx, call, "b"); len(msgs) != 0 {
		t.Errorf("len(msgs) = %d after TTL, want 0", len(msgs))
	}
}

func TestSubscribe(t *testing.T) {
	relay, _, _ := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake, err := relay.Subscribe(ctx, call, "a")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	relay.SendMessage(context.Background(), call, "b", domain.KindOffer, []byte("{}"))
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("no wake-up after b's message")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-wake:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("wake channel not closed after cancel")
		}
	}
}

func TestTransportErrors(t *testing.T) {
	relay, mr, _ := newTestRelay(t)
	mr.Close()

	_, err := relay.AnnouncePresence(context.Background(), call, "a", "A")
	if !domain.IsTransportError(err) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if _, err := relay.PollMessages(context.Background(), call, "a"); !domain.IsTransportError(err) {
		t.Fatalf("err = %v, want transport error", err)
	}
}

func TestValidStreamID(t *testing.T) {
	for id, want := range map[string]bool{
		"1700000000000-0": true,
		"1-12":            true,
		"abc-1":           false,
		"1700000000000":   false,
		"":                false,
	} {
		if got := validStreamID(id); got != want {
			t.Errorf("validStreamID(%q) = %v, want %v", id, got, want)
		}
	}
}
