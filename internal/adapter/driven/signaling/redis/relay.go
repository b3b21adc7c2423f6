package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/medmeet/internal/adapter/driven/signaling"
	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	_ port.SignalingTransport = (*Relay)(nil)
	_ port.Notifier           = (*Relay)(nil)
)

// announceScript inserts or refreshes a participant atomically, so two
// newcomers cannot both take the last seat. It returns {1, joined_at,
// created, evicted} or {0} when the room is full.
var announceScript = goredis.NewScript(`
local members = KEYS[1]
local prefix = ARGV[1]
local id = ARGV[2]
local now = tonumber(ARGV[4])
local staleAfter = tonumber(ARGV[5])
local max = tonumber(ARGV[7])
local self = prefix .. id
local created = 0
local evicted = {}

if redis.call('EXISTS', self) == 0 then
	local live = 0
	local stale = {}
	for _, member in ipairs(redis.call('SMEMBERS', members)) do
		local seen = redis.call('HGET', prefix .. member, 'last_seen_at')
		if not seen then
			redis.call('SREM', members, member)
		elseif now - tonumber(seen) > staleAfter then
			table.insert(stale, member)
		else
			live = live + 1
		end
	end
	if live >= max then
		return {0}
	end
	if live + #stale >= max then
		for _, member in ipairs(stale) do
			redis.call('DEL', prefix .. member)
			redis.call('SREM', members, member)
			table.insert(evicted, member)
		end
	end
	redis.call('HSET', self, 'joined_at', ARGV[4])
	created = 1
end

redis.call('HSET', self, 'display_name', ARGV[3], 'last_seen_at', ARGV[4])
redis.call('SADD', members, id)
redis.call('PEXPIRE', self, ARGV[6])
redis.call('PEXPIRE', members, ARGV[6])
return {1, redis.call('HGET', self, 'joined_at'), created, evicted}
`)

const keyPrefix = "medmeet:call:"

// Relay stores rooms in redis so several relay servers can share them.
// Presence lives in a set plus one hash per participant, signals in a
// stream, and wake-ups go through pub/sub. Keys are hash-tagged by call so
// a room stays on one cluster slot.
type Relay struct {
	client goredis.UniversalClient
	opts   signaling.Options
}

func NewRelay(client goredis.UniversalClient, opts signaling.Options) *Relay {
	return &Relay{client: client, opts: opts.WithDefaults()}
}

// Dial connects to redis and checks the connection.
func Dial(ctx context.Context, opts *goredis.Options) (*goredis.Client, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func roomKey(callID domain.CallID) string {
	return keyPrefix + "{" + string(callID) + "}"
}

func membersKey(callID domain.CallID) string {
	return roomKey(callID) + ":members"
}

func participantPrefix(callID domain.CallID) string {
	return roomKey(callID) + ":participant:"
}

func participantKey(callID domain.CallID, participantID domain.ParticipantID) string {
	return participantPrefix(callID) + string(participantID)
}

func signalsKey(callID domain.CallID) string {
	return roomKey(callID) + ":signals"
}

func notifyChannel(callID domain.CallID) string {
	return roomKey(callID) + ":notify"
}

func (r *Relay) AnnouncePresence(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID, displayName string) (domain.Participant, error) {
	now := r.opts.Now()
	res, err := announceScript.Run(ctx, r.client,
		[]string{membersKey(callID)},
		participantPrefix(callID),
		string(participantID),
		displayName,
		now.UnixNano(),
		r.opts.StaleAfter.Nanoseconds(),
		r.opts.RoomTTL.Milliseconds(),
		domain.MaxParticipants,
	).Slice()
	if err != nil {
		return domain.Participant{}, domain.NewTransportError("announce presence", err)
	}
	if len(res) == 0 || toInt64(res[0]) == 0 {
		return domain.Participant{}, domain.ErrRoomFull
	}
	if len(res) < 4 {
		return domain.Participant{}, domain.NewTransportError("announce presence", fmt.Errorf("unexpected script reply %v", res))
	}

	joined, err := strconv.ParseInt(fmt.Sprint(res[1]), 10, 64)
	if err != nil {
		return domain.Participant{}, domain.NewTransportError("announce presence", fmt.Errorf("parse joined_at: %w", err))
	}
	// Signals of evicted participants must not reach the newcomer.
	evicted, _ := res[3].([]interface{})
	for _, member := range evicted {
		if err := r.purge(ctx, callID, domain.ParticipantID(fmt.Sprint(member))); err != nil {
			return domain.Participant{}, domain.NewTransportError("announce presence", err)
		}
	}
	if toInt64(res[2]) == 1 {
		r.publish(ctx, callID, participantID)
	}
	return domain.Participant{
		ID:          participantID,
		DisplayName: displayName,
		JoinedAt:    time.Unix(0, joined),
		LastSeenAt:  now,
	}, nil
}

func (r *Relay) ListPeers(ctx context.Context, callID domain.CallID, excluding domain.ParticipantID) ([]domain.Participant, error) {
	ids, err := r.client.SMembers(ctx, membersKey(callID)).Result()
	if err != nil {
		return nil, domain.NewTransportError("list peers", err)
	}

	cmds := make(map[domain.ParticipantID]*goredis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range ids {
			pid := domain.ParticipantID(id)
			if pid == excluding {
				continue
			}
			cmds[pid] = pipe.HGetAll(ctx, participantKey(callID, pid))
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewTransportError("list peers", err)
	}

	peers := make([]domain.Participant, 0, len(cmds))
	for pid, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Hash expired while the set entry lingers.
			continue
		}
		p, err := decodeParticipant(pid, fields)
		if err != nil {
			log.Warn().Err(err).Str("call_id", callID.String()).Str("participant_id", pid.String()).Msg("Skipping malformed presence record")
			continue
		}
		peers = append(peers, p)
	}
	signaling.SortParticipants(peers)
	return peers, nil
}

func (r *Relay) SendMessage(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID, kind domain.MessageKind, payload []byte) (domain.SignalingMessage, error) {
	msg, err := domain.NewSignalingMessage(callID, senderID, kind, payload, r.opts.Now())
	if err != nil {
		return domain.SignalingMessage{}, err
	}

	var add *goredis.StringCmd
	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		add = pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: signalsKey(callID),
			Values: map[string]interface{}{
				"sender":     string(senderID),
				"kind":       string(kind),
				"payload":    payload,
				"created_at": msg.CreatedAt.UnixNano(),
			},
		})
		pipe.PExpire(ctx, signalsKey(callID), r.opts.RoomTTL)
		pipe.Publish(ctx, notifyChannel(callID), string(senderID))
		return nil
	})
	if err != nil {
		return domain.SignalingMessage{}, domain.NewTransportError("send message", err)
	}
	msg.ID = domain.MessageID(add.Val())
	return *msg, nil
}

func (r *Relay) PollMessages(ctx context.Context, callID domain.CallID, recipientID domain.ParticipantID) ([]domain.SignalingMessage, error) {
	entries, err := r.client.XRange(ctx, signalsKey(callID), "-", "+").Result()
	if err != nil {
		return nil, domain.NewTransportError("poll messages", err)
	}

	var out []domain.SignalingMessage
	for _, entry := range entries {
		msg, err := decodeMessage(callID, entry)
		if err != nil {
			log.Warn().Err(err).Str("call_id", callID.String()).Str("message_id", entry.ID).Msg("Skipping malformed signal")
			continue
		}
		if msg.SenderID != recipientID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (r *Relay) ConsumeMessage(ctx context.Context, callID domain.CallID, messageID domain.MessageID) error {
	if !validStreamID(string(messageID)) {
		return nil
	}
	if err := r.client.XDel(ctx, signalsKey(callID), string(messageID)).Err(); err != nil {
		return domain.NewTransportError("consume message", err)
	}
	return nil
}

func (r *Relay) PurgeMessages(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID) error {
	return domain.NewTransportError("purge messages", r.purge(ctx, callID, senderID))
}

func (r *Relay) purge(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID) error {
	entries, err := r.client.XRange(ctx, signalsKey(callID), "-", "+").Result()
	if err != nil {
		return err
	}
	var ids []string
	for _, entry := range entries {
		if fmt.Sprint(entry.Values["sender"]) == string(senderID) {
			ids = append(ids, entry.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return r.client.XDel(ctx, signalsKey(callID), ids...).Err()
}

func (r *Relay) LeaveRoom(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID) error {
	var removed *goredis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.Del(ctx, participantKey(callID, participantID))
		pipe.SRem(ctx, membersKey(callID), string(participantID))
		return nil
	})
	if err != nil {
		return domain.NewTransportError("leave room", err)
	}
	if err := r.purge(ctx, callID, participantID); err != nil {
		return domain.NewTransportError("leave room", err)
	}
	if removed.Val() > 0 {
		r.publish(ctx, callID, participantID)
	}
	return nil
}

// Subscribe implements port.Notifier over the room's pub/sub channel.
func (r *Relay) Subscribe(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID) (<-chan struct{}, error) {
	pubsub := r.client.Subscribe(ctx, notifyChannel(callID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, domain.NewTransportError("subscribe", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if msg.Payload == string(participantID) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (r *Relay) publish(ctx context.Context, callID domain.CallID, origin domain.ParticipantID) {
	if err := r.client.Publish(ctx, notifyChannel(callID), string(origin)).Err(); err != nil {
		log.Debug().Err(err).Str("call_id", callID.String()).Msg("Failed to publish wake-up")
	}
}

func decodeParticipant(id domain.ParticipantID, fields map[string]string) (domain.Participant, error) {
	joined, err := strconv.ParseInt(fields["joined_at"], 10, 64)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("joined_at: %w", err)
	}
	seen, err := strconv.ParseInt(fields["last_seen_at"], 10, 64)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("last_seen_at: %w", err)
	}
	return domain.Participant{
		ID:          id,
		DisplayName: fields["display_name"],
		JoinedAt:    time.Unix(0, joined),
		LastSeenAt:  time.Unix(0, seen),
	}, nil
}

func decodeMessage(callID domain.CallID, entry goredis.XMessage) (domain.SignalingMessage, error) {
	kind, err := domain.ParseMessageKind(fmt.Sprint(entry.Values["kind"]))
	if err != nil {
		return domain.SignalingMessage{}, err
	}
	created, err := strconv.ParseInt(fmt.Sprint(entry.Values["created_at"]), 10, 64)
	if err != nil {
		return domain.SignalingMessage{}, fmt.Errorf("created_at: %w", err)
	}
	payload, _ := entry.Values["payload"].(string)
	return domain.SignalingMessage{
		ID:        domain.MessageID(entry.ID),
		CallID:    callID,
		SenderID:  domain.ParticipantID(fmt.Sprint(entry.Values["sender"])),
		Kind:      kind,
		Payload:   []byte(payload),
		CreatedAt: time.Unix(0, created),
	}, nil
}

// validStreamID reports whether id has the <ms>-<seq> form of a stream
// entry ID.
func validStreamID(id string) bool {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return false
	}
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	_, err := strconv.ParseUint(seq, 10, 64)
	return err == nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}
