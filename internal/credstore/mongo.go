package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	logx "herald/pkg/logx"
)

const (
	sessionCollection = "sessions"
	keyCollection     = "keys"
)

type mongoStore struct {
	client   *mongo.Client
	sessions *mongo.Collection
	keys     *mongo.Collection
	log      logx.Logger

	opTimeout time.Duration
}

type credDoc struct {
	SessionID string `bson:"session_id"`
	Creds     []byte `bson:"creds"`
	UpdatedAt string `bson:"updated_at"`
}

type keyDoc struct {
	SessionID string `bson:"session_id"`
	Category  string `bson:"category"`
	KeyID     string `bson:"key_id"`
	Material  []byte `bson:"material"`
	UpdatedAt string `bson:"updated_at"`
}

func openMongo(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("credstore: mongo uri is required")
	}
	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		return nil, errors.New("credstore: mongo database is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetAppName("herald"))
	if err != nil {
		return nil, fmt.Errorf("credstore: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("credstore: mongo ping: %w", err)
	}

	db := client.Database(dbName)
	st := &mongoStore{
		client:    client,
		sessions:  db.Collection(sessionCollection),
		keys:      db.Collection(keyCollection),
		log:       log,
		opTimeout: cfg.OpTimeout,
	}

	if _, err := st.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("sessions_session_id_unique"),
	}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("credstore: mongo index: %w", err)
	}
	if _, err := st.keys.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "category", Value: 1},
			{Key: "key_id", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("keys_ref_unique"),
	}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("credstore: mongo index: %w", err)
	}

	log.Debug("mongo credential store opened", logx.String("database", dbName))
	return st, nil
}

func (s *mongoStore) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *mongoStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var doc credDoc
	err := s.sessions.FindOne(ctx, bson.D{{Key: "session_id", Value: sessionID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: mongo load: %w", err)
	}
	return doc.Creds, nil
}

func (s *mongoStore) Save(ctx context.Context, sessionID string, creds []byte) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	doc := credDoc{SessionID: sessionID, Creds: creds, UpdatedAt: time.Now().Format(time.RFC3339Nano)}
	_, err := s.sessions.ReplaceOne(ctx,
		bson.D{{Key: "session_id", Value: sessionID}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("credstore: mongo save: %w", err)
	}
	return nil
}

func (s *mongoStore) GetKeys(ctx context.Context, sessionID, category string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	cur, err := s.keys.Find(ctx, bson.D{
		{Key: "session_id", Value: sessionID},
		{Key: "category", Value: category},
		{Key: "key_id", Value: bson.D{{Key: "$in", Value: ids}}},
	})
	if err != nil {
		return nil, fmt.Errorf("credstore: mongo get keys: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc keyDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("credstore: mongo decode key: %w", err)
		}
		out[doc.KeyID] = doc.Material
	}
	return out, cur.Err()
}

func (s *mongoStore) SetKeys(ctx context.Context, sessionID, category string, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	now := time.Now().Format(time.RFC3339Nano)
	models := make([]mongo.WriteModel, 0, len(values))
	for id, material := range values {
		ref := bson.D{
			{Key: "session_id", Value: sessionID},
			{Key: "category", Value: category},
			{Key: "key_id", Value: id},
		}
		if material == nil {
			// tombstone
			models = append(models, mongo.NewDeleteOneModel().SetFilter(ref))
			continue
		}
		doc := keyDoc{SessionID: sessionID, Category: category, KeyID: id, Material: material, UpdatedAt: now}
		models = append(models, mongo.NewReplaceOneModel().SetFilter(ref).SetReplacement(doc).SetUpsert(true))
	}

	_, err := s.keys.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("credstore: mongo set keys: %w", err)
	}
	return nil
}

func (s *mongoStore) Purge(ctx context.Context, sessionID string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	filter := bson.D{{Key: "session_id", Value: sessionID}}
	if _, err := s.sessions.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("credstore: mongo purge sessions: %w", err)
	}
	if _, err := s.keys.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("credstore: mongo purge keys: %w", err)
	}
	s.log.Debug("credential record purged", logx.String("session", sessionID))
	return nil
}

func (s *mongoStore) SessionIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	raw, err := s.sessions.Distinct(ctx, "session_id", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("credstore: mongo session ids: %w", err)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
