package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/medmeet/internal/adapter/driven/signaling"
	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ port.SignalingTransport = (*Relay)(nil)

// Collection names.
const (
	ParticipantsCollection = "participants"
	SignalsCollection      = "signals"
)

const (
	callIDField        = "call_id"
	participantIDField = "participant_id"
	senderIDField      = "sender_id"
	joinedAtField      = "joined_at"
	lastSeenAtField    = "last_seen_at"
	createdAtField     = "created_at"
)

type participantDoc struct {
	ID            string    `bson:"_id"`
	CallID        string    `bson:"call_id"`
	ParticipantID string    `bson:"participant_id"`
	DisplayName   string    `bson:"display_name"`
	JoinedAt      time.Time `bson:"joined_at"`
	LastSeenAt    time.Time `bson:"last_seen_at"`
}

func (d participantDoc) participant() domain.Participant {
	return domain.Participant{
		ID:          domain.ParticipantID(d.ParticipantID),
		DisplayName: d.DisplayName,
		JoinedAt:    d.JoinedAt,
		LastSeenAt:  d.LastSeenAt,
	}
}

type signalDoc struct {
	ID        primitive.ObjectID `bson:"_id"`
	CallID    string             `bson:"call_id"`
	SenderID  string             `bson:"sender_id"`
	Kind      string             `bson:"kind"`
	Payload   []byte             `bson:"payload"`
	CreatedAt time.Time          `bson:"created_at"`
}

// Relay keeps rooms in two MongoDB collections, the document-store
// counterpart of a polled participants/signals table. Presence documents
// and signals expire through TTL indexes after RoomTTL without activity.
// It does not push; sessions poll.
//
// MongoDB stores milliseconds, so join times are truncated before they are
// stored and returned.
type Relay struct {
	participants *mongo.Collection
	signals      *mongo.Collection
	opts         signaling.Options
}

// Dial connects to uri and checks the connection.
func Dial(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	return client, nil
}

// NewRelay creates the relay over db and ensures its indexes.
func NewRelay(ctx context.Context, db *mongo.Database, opts signaling.Options) (*Relay, error) {
	opts = opts.WithDefaults()
	r := &Relay{
		participants: db.Collection(ParticipantsCollection),
		signals:      db.Collection(SignalsCollection),
		opts:         opts,
	}

	expireAfter := int32(opts.RoomTTL.Seconds())
	if _, err := r.participants.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: callIDField, Value: 1}, {Key: joinedAtField, Value: 1}}},
		{
			Keys:    bson.D{{Key: lastSeenAtField, Value: 1}},
			Options: options.Index().SetName("presence_expire").SetExpireAfterSeconds(expireAfter),
		},
	}); err != nil {
		return nil, fmt.Errorf("create participant indexes: %w", err)
	}
	if _, err := r.signals.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: callIDField, Value: 1}, {Key: "_id", Value: 1}}},
		{
			Keys:    bson.D{{Key: createdAtField, Value: 1}},
			Options: options.Index().SetName("signal_expire").SetExpireAfterSeconds(expireAfter),
		},
	}); err != nil {
		return nil, fmt.Errorf("create signal indexes: %w", err)
	}
	return r, nil
}

func participantKey(callID domain.CallID, participantID domain.ParticipantID) string {
	return string(callID) + "|" + string(participantID)
}

func (r *Relay) now() time.Time {
	return r.opts.Now().UTC().Truncate(time.Millisecond)
}

func (r *Relay) AnnouncePresence(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID, displayName string) (domain.Participant, error) {
	now := r.now()
	key := participantKey(callID, participantID)

	p, err := r.refresh(ctx, key, displayName, now)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Participant{}, domain.NewTransportError("announce presence", err)
	}

	present, err := r.members(ctx, callID)
	if err != nil {
		return domain.Participant{}, domain.NewTransportError("announce presence", err)
	}
	evict, err := signaling.Admit(present, participantID, now, r.opts.StaleAfter)
	if err != nil {
		return domain.Participant{}, err
	}
	for _, stale := range evict {
		log.Debug().Str("call_id", callID.String()).Str("participant_id", stale.ID.String()).Msg("Evicting stale participant")
		if err := r.remove(ctx, callID, stale.ID); err != nil {
			return domain.Participant{}, domain.NewTransportError("announce presence", err)
		}
	}

	doc := participantDoc{
		ID:            key,
		CallID:        string(callID),
		ParticipantID: string(participantID),
		DisplayName:   displayName,
		JoinedAt:      now,
		LastSeenAt:    now,
	}
	if _, err := r.participants.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// A concurrent announce of the same participant won.
			p, err := r.refresh(ctx, key, displayName, now)
			return p, domain.NewTransportError("announce presence", err)
		}
		return domain.Participant{}, domain.NewTransportError("announce presence", err)
	}

	// Two newcomers may have raced for the last seat; the later one backs off.
	present, err = r.members(ctx, callID)
	if err != nil {
		return domain.Participant{}, domain.NewTransportError("announce presence", err)
	}
	if len(present) > domain.MaxParticipants {
		signaling.SortParticipants(present)
		for _, seated := range present[:domain.MaxParticipants] {
			if seated.ID == participantID {
				return doc.participant(), nil
			}
		}
		if _, err := r.participants.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}}); err != nil {
			return domain.Participant{}, domain.NewTransportError("announce presence", err)
		}
		return domain.Participant{}, domain.ErrRoomFull
	}
	return doc.participant(), nil
}

func (r *Relay) refresh(ctx context.Context, key, displayName string, now time.Time) (domain.Participant, error) {
	var doc participantDoc
	err := r.participants.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: key}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "display_name", Value: displayName},
			{Key: lastSeenAtField, Value: now},
		}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return domain.Participant{}, err
	}
	return doc.participant(), nil
}

func (r *Relay) members(ctx context.Context, callID domain.CallID) ([]domain.Participant, error) {
	return r.find(ctx, bson.D{{Key: callIDField, Value: string(callID)}})
}

func (r *Relay) find(ctx context.Context, filter bson.D) ([]domain.Participant, error) {
	cursor, err := r.participants.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: joinedAtField, Value: 1}, {Key: participantIDField, Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []participantDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.participant())
	}
	return out, nil
}

func (r *Relay) ListPeers(ctx context.Context, callID domain.CallID, excluding domain.ParticipantID) ([]domain.Participant, error) {
	peers, err := r.find(ctx, bson.D{
		{Key: callIDField, Value: string(callID)},
		{Key: participantIDField, Value: bson.D{{Key: "$ne", Value: string(excluding)}}},
	})
	if err != nil {
		return nil, domain.NewTransportError("list peers", err)
	}
	return peers, nil
}

func (r *Relay) SendMessage(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID, kind domain.MessageKind, payload []byte) (domain.SignalingMessage, error) {
	msg, err := domain.NewSignalingMessage(callID, senderID, kind, payload, r.now())
	if err != nil {
		return domain.SignalingMessage{}, err
	}
	doc := signalDoc{
		ID:        primitive.NewObjectID(),
		CallID:    string(callID),
		SenderID:  string(senderID),
		Kind:      string(kind),
		Payload:   payload,
		CreatedAt: msg.CreatedAt,
	}
	if _, err := r.signals.InsertOne(ctx, doc); err != nil {
		return domain.SignalingMessage{}, domain.NewTransportError("send message", err)
	}
	msg.ID = domain.MessageID(doc.ID.Hex())
	return *msg, nil
}

func (r *Relay) PollMessages(ctx context.Context, callID domain.CallID, recipientID domain.ParticipantID) ([]domain.SignalingMessage, error) {
	cursor, err := r.signals.Find(ctx,
		bson.D{
			{Key: callIDField, Value: string(callID)},
			{Key: senderIDField, Value: bson.D{{Key: "$ne", Value: string(recipientID)}}},
		},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, domain.NewTransportError("poll messages", err)
	}
	var docs []signalDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, domain.NewTransportError("poll messages", err)
	}

	out := make([]domain.SignalingMessage, 0, len(docs))
	for _, d := range docs {
		kind, err := domain.ParseMessageKind(d.Kind)
		if err != nil {
			log.Warn().Err(err).Str("message_id", d.ID.Hex()).Msg("Skipping malformed signal")
			continue
		}
		out = append(out, domain.SignalingMessage{
			ID:        domain.MessageID(d.ID.Hex()),
			CallID:    callID,
			SenderID:  domain.ParticipantID(d.SenderID),
			Kind:      kind,
			Payload:   d.Payload,
			CreatedAt: d.CreatedAt,
		})
	}
	return out, nil
}

func (r *Relay) ConsumeMessage(ctx context.Context, callID domain.CallID, messageID domain.MessageID) error {
	id, err := primitive.ObjectIDFromHex(string(messageID))
	if err != nil {
		return nil
	}
	if _, err := r.signals.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}, {Key: callIDField, Value: string(callID)}}); err != nil {
		return domain.NewTransportError("consume message", err)
	}
	return nil
}

func (r *Relay) PurgeMessages(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID) error {
	return domain.NewTransportError("purge messages", r.purge(ctx, callID, senderID))
}

func (r *Relay) purge(ctx context.Context, callID domain.CallID, senderID domain.ParticipantID) error {
	_, err := r.signals.DeleteMany(ctx, bson.D{
		{Key: callIDField, Value: string(callID)},
		{Key: senderIDField, Value: string(senderID)},
	})
	return err
}

func (r *Relay) LeaveRoom(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID) error {
	return domain.NewTransportError("leave room", r.remove(ctx, callID, participantID))
}

func (r *Relay) remove(ctx context.Context, callID domain.CallID, participantID domain.ParticipantID) error {
	if _, err := r.participants.DeleteOne(ctx, bson.D{{Key: "_id", Value: participantKey(callID, participantID)}}); err != nil {
		return err
	}
	return r.purge(ctx, callID, participantID)
}
