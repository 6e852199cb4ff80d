package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sapliy/notification-engine/pkg/observability"
)

// MongoRepository keeps notifications and users as documents. Users embed
// their registrations. Batch writes run in a transaction, so the
// deployment must be a replica set, which change streams need anyway.
type MongoRepository struct {
	client        *mongo.Client
	db            *mongo.Database
	notifications *mongo.Collection
	users         *mongo.Collection
	log           *observability.Logger
}

func NewMongoRepository(client *mongo.Client, database string, log *observability.Logger) *MongoRepository {
	db := client.Database(database)
	return &MongoRepository{
		client:        client,
		db:            db,
		notifications: db.Collection("notifications"),
		users:         db.Collection("users"),
		log:           log.Component("mongo"),
	}
}

// Setup creates the collections and indexes and enables the pre-images
// the change feed reads the previous status from.
func (r *MongoRepository) Setup(ctx context.Context) error {
	for _, name := range []string{"notifications", "users"} {
		err := r.db.CreateCollection(ctx, name)
		var cmdErr mongo.CommandError
		if err != nil && !(errors.As(err, &cmdErr) && cmdErr.Name == "NamespaceExists") {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}

	err := r.db.RunCommand(ctx, bson.D{
		{Key: "collMod", Value: "notifications"},
		{Key: "changeStreamPreAndPostImages", Value: bson.D{{Key: "enabled", Value: true}}},
	}).Err()
	if err != nil {
		return fmt.Errorf("enable pre-images: %w", err)
	}

	_, err = r.notifications.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduledFor", Value: 1}}},
		{Keys: bson.D{{Key: "deliveryAttemptedAt", Value: 1}, {Key: "sentAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create notification indexes: %w", err)
	}
	_, err = r.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "registrations.channel", Value: 1}, {Key: "registrations.token", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}
	return nil
}

func (r *MongoRepository) Create(ctx context.Context, n *Notification) error {
	if !n.Status.Valid() {
		return fmt.Errorf("invalid status %q", n.Status)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.TargetUsers == nil {
		n.TargetUsers = []string{}
	}
	_, err := r.notifications.InsertOne(ctx, n)
	return err
}

func (r *MongoRepository) GetByID(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	err := r.notifications.FindOne(ctx, bson.M{"_id": id}).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *MongoRepository) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := r.notifications.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "lastUpdated": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepository) ClaimDelivery(ctx context.Context, id string, at time.Time) (*Notification, error) {
	var n Notification
	err := r.notifications.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": StatusSent, "deliveryAttemptedAt": nil},
		bson.M{"$set": bson.M{"deliveryAttemptedAt": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, r.missingOr(ctx, id, ErrNotClaimable)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *MongoRepository) CompleteDelivery(ctx context.Context, id string, res DeliveryResult) error {
	set := bson.M{
		"sentTo":           res.SentTo,
		"deliveredTo":      res.DeliveredTo,
		"failedDeliveries": res.FailedDeliveries,
		"sentAt":           res.SentAt,
		"lastUpdated":      res.SentAt,
	}
	update := bson.M{"$set": set}
	if res.Error != "" {
		set["error"] = res.Error
	} else {
		update["$unset"] = bson.M{"error": ""}
	}

	out, err := r.notifications.UpdateOne(ctx, bson.M{"_id": id, "sentAt": nil}, update)
	if err != nil {
		return err
	}
	if out.MatchedCount == 0 {
		return r.missingOr(ctx, id, ErrAlreadyCompleted)
	}
	return nil
}

func (r *MongoRepository) MarkRead(ctx context.Context, id, userID string) error {
	res, err := r.notifications.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$addToSet": bson.M{"readBy": userID}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// PromoteScheduled selects and flips the due records in one transaction.
func (r *MongoRepository) PromoteScheduled(ctx context.Context, now time.Time) ([]string, error) {
	session, err := r.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer session.EndSession(ctx)

	out, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		due := bson.M{"status": StatusScheduled, "scheduledFor": bson.M{"$lte": now}}
		cur, err := r.notifications.Find(sc, due,
			options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "scheduledFor", Value: 1}}))
		if err != nil {
			return nil, err
		}
		var docs []struct {
			ID string `bson:"_id"`
		}
		if err := cur.All(sc, &docs); err != nil {
			return nil, err
		}
		if len(docs) == 0 {
			return []string{}, nil
		}

		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
		}
		_, err = r.notifications.UpdateMany(sc,
			bson.M{"_id": bson.M{"$in": ids}, "status": StatusScheduled},
			bson.M{"$set": bson.M{"status": StatusSent, "processedAt": now, "lastUpdated": now}},
		)
		if err != nil {
			return nil, err
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]string), nil
}

func (r *MongoRepository) StaleClaims(ctx context.Context, before time.Time) ([]*Notification, error) {
	cur, err := r.notifications.Find(ctx,
		bson.M{"deliveryAttemptedAt": bson.M{"$ne": nil, "$lt": before}, "sentAt": nil},
		options.Find().SetSort(bson.D{{Key: "deliveryAttemptedAt", Value: 1}}).SetLimit(500),
	)
	if err != nil {
		return nil, err
	}
	var out []*Notification
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MongoRepository) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := r.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	for i := range u.Registrations {
		u.Registrations[i].UserID = u.ID
	}
	return &u, nil
}

func (r *MongoRepository) Registrations(ctx context.Context, userID string) ([]Registration, error) {
	u, err := r.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u.Registrations, nil
}

// DeleteRegistrations pulls every key inside one transaction.
func (r *MongoRepository) DeleteRegistrations(ctx context.Context, keys []RegistrationKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	byUser := make(map[string][]RegistrationKey)
	for _, k := range keys {
		byUser[k.UserID] = append(byUser[k.UserID], k)
	}

	session, err := r.client.StartSession()
	if err != nil {
		return 0, err
	}
	defer session.EndSession(ctx)

	out, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		removed := 0
		for uid, uk := range byUser {
			var match bson.A
			for _, k := range uk {
				match = append(match, bson.M{"channel": k.Channel, "token": k.Token})
			}
			var before User
			err := r.users.FindOneAndUpdate(sc,
				bson.M{"_id": uid},
				bson.M{"$pull": bson.M{"registrations": bson.M{"$or": match}}},
				options.FindOneAndUpdate().SetReturnDocument(options.Before),
			).Decode(&before)
			if errors.Is(err, mongo.ErrNoDocuments) {
				continue
			}
			if err != nil {
				return nil, err
			}
			for _, reg := range before.Registrations {
				for _, k := range uk {
					if reg.Channel == k.Channel && reg.Token == k.Token {
						removed++
						break
					}
				}
			}
		}
		return removed, nil
	})
	if err != nil {
		return 0, err
	}
	return out.(int), nil
}

func (r *MongoRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func (r *MongoRepository) missingOr(ctx context.Context, id string, otherwise error) error {
	n, err := r.notifications.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return otherwise
}

type streamStatus struct {
	Status Status `bson:"status"`
}

type streamEvent struct {
	ID                       bson.Raw      `bson:"_id"`
	OperationType            string        `bson:"operationType"`
	DocumentKey              struct{ ID string `bson:"_id"` } `bson:"documentKey"`
	FullDocument             *streamStatus `bson:"fullDocument"`
	FullDocumentBeforeChange *streamStatus `bson:"fullDocumentBeforeChange"`
	UpdateDescription        struct {
		UpdatedFields bson.M `bson:"updatedFields"`
	} `bson:"updateDescription"`
}

// Run watches the notifications collection. Only inserts and status
// changes are emitted. A failed emit reopens the stream at that event.
func (r *MongoRepository) Run(ctx context.Context, emit func(context.Context, ChangeEvent) error) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}}}}},
	}

	var resume bson.Raw
	for {
		opts := options.ChangeStream().SetFullDocumentBeforeChange(options.WhenAvailable)
		if resume != nil {
			opts.SetResumeAfter(resume)
		}
		cs, err := r.notifications.Watch(ctx, pipeline, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error().Err(err).Msg("failed to open change stream, retrying")
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		for cs.Next(ctx) {
			var raw streamEvent
			if err := cs.Decode(&raw); err != nil {
				r.log.Error().Err(err).Msg("failed to decode change event")
				resume = cs.ResumeToken()
				continue
			}
			ev, ok := toChangeEvent(raw)
			if ok {
				if err := emit(ctx, ev); err != nil {
					r.log.Warn().Err(err).Str("event_id", ev.ID).Msg("failed to publish change, will retry")
					break
				}
			}
			resume = cs.ResumeToken()
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("change stream failed")
		}
		_ = cs.Close(context.Background())

		if !sleepCtx(ctx, time.Second) {
			return nil
		}
	}
}

func toChangeEvent(raw streamEvent) (ChangeEvent, bool) {
	ev := ChangeEvent{
		ID:             "mongo-" + tokenData(raw.ID),
		NotificationID: raw.DocumentKey.ID,
		OccurredAt:     time.Now().UTC(),
	}
	switch raw.OperationType {
	case "insert":
		if raw.FullDocument == nil {
			return ev, false
		}
		ev.Op = OpInsert
		ev.StatusAfter = raw.FullDocument.Status
	case "update":
		after, ok := raw.UpdateDescription.UpdatedFields["status"].(string)
		if !ok {
			return ev, false
		}
		ev.Op = OpUpdate
		ev.StatusAfter = Status(after)
		if raw.FullDocumentBeforeChange != nil {
			ev.StatusBefore = raw.FullDocumentBeforeChange.Status
		}
	case "replace":
		if raw.FullDocument == nil {
			return ev, false
		}
		ev.Op = OpUpdate
		ev.StatusAfter = raw.FullDocument.Status
		if raw.FullDocumentBeforeChange != nil {
			ev.StatusBefore = raw.FullDocumentBeforeChange.Status
		}
	default:
		return ev, false
	}
	return ev, true
}

func tokenData(token bson.Raw) string {
	if token == nil {
		return ""
	}
	if v, err := token.LookupErr("_data"); err == nil {
		if s, ok := v.StringValueOK(); ok {
			return s
		}
	}
	return token.String()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
