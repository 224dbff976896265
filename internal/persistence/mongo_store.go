package persistence

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/treemq/internal/config"
	"github.com/life-stream-dev/treemq/internal/logger"
	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/subscription"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	SessionCollectionName  = "sessions"
	RetainedCollectionName = "retained"
	OfflineCollectionName  = "offline_messages"
)

type sessionDocument struct {
	ClientID      string              `bson:"client_id"`
	Subscriptions []mqtt.Subscription `bson:"subscriptions"`
}

type retainedDocument struct {
	Topic   string       `bson:"topic"`
	Message mqtt.Message `bson:"message"`
}

type offlineDocument struct {
	ID       primitive.ObjectID `bson:"_id"`
	ClientID string             `bson:"client_id"`
	Message  mqtt.Message       `bson:"message"`
}

type MongoStore struct {
	client           *mongo.Client
	db               *mongo.Database
	operationTimeout time.Duration
}

func NewMongoStore(cfg config.MongoConfig) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")

	// 编码特殊字符
	databaseUrl := fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	if cfg.Username != "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			url.QueryEscape(cfg.Username), url.QueryEscape(cfg.Password),
			cfg.Host,
			cfg.Port,
		)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName("treemq")
	// 连接池配置
	if cfg.MinPoolSize > 0 {
		clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	}
	if cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.ConnectIdleTimeout > 0 {
		clientOptions.SetMaxConnIdleTime(cfg.ConnectIdleTimeout.Std())
	}
	// 超时限制
	if cfg.ConnectTimeout > 0 {
		clientOptions.SetConnectTimeout(cfg.ConnectTimeout.Std())
	}
	if cfg.SocketTimeout > 0 {
		clientOptions.SetSocketTimeout(cfg.SocketTimeout.Std())
	}
	if cfg.Heartbeat > 0 {
		clientOptions.SetHeartbeatInterval(cfg.Heartbeat.Std())
	}
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	store := &MongoStore{
		client:           client,
		db:               client.Database(cfg.Database),
		operationTimeout: cfg.OperationTimeout.Std(),
	}
	if store.operationTimeout <= 0 {
		store.operationTimeout = 5 * time.Second
	}
	if err := store.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

func (ms *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		collection string
		model      mongo.IndexModel
	}{
		{SessionCollectionName, mongo.IndexModel{
			Keys:    bson.D{{Key: "client_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("sessions_client_id_unique"),
		}},
		{RetainedCollectionName, mongo.IndexModel{
			Keys:    bson.D{{Key: "topic", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("retained_topic_unique"),
		}},
		{OfflineCollectionName, mongo.IndexModel{
			Keys:    bson.D{{Key: "client_id", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("offline_client_id"),
		}},
	}
	for _, idx := range indexes {
		if _, err := ms.db.Collection(idx.collection).Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("error occured while creating database indexes: %w", err)
		}
	}
	return nil
}

func (ms *MongoStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, ms.operationTimeout)
}

func wrapMongoErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ms *MongoStore) StoreRetained(ctx context.Context, msg *mqtt.Message) error {
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	filter := bson.D{{Key: "topic", Value: msg.Topic}}
	coll := ms.db.Collection(RetainedCollectionName)
	if len(msg.Payload) == 0 {
		if _, err := coll.DeleteOne(ctx, filter); err != nil {
			return wrapMongoErr(err)
		}
		return nil
	}
	doc := retainedDocument{Topic: msg.Topic, Message: *msg}
	if _, err := coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return wrapMongoErr(err)
	}
	return nil
}

func (ms *MongoStore) LookupRetained(ctx context.Context, filter string) ([]*mqtt.Message, error) {
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	startTime := time.Now()
	cursor, err := ms.db.Collection(RetainedCollectionName).Find(ctx, bson.D{})
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	var docs []retainedDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapMongoErr(err)
	}
	logger.DebugF("retained query cost: %v", time.Since(startTime))

	var result []*mqtt.Message
	for i := range docs {
		if subscription.MatchFilter(filter, docs[i].Topic) {
			result = append(result, &docs[i].Message)
		}
	}
	return result, nil
}

func (ms *MongoStore) StoreSubscriptions(ctx context.Context, clientID string, subs []mqtt.Subscription) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: clientID}}
	coll := ms.db.Collection(SessionCollectionName)
	if len(subs) == 0 {
		if _, err := coll.DeleteOne(ctx, filter); err != nil {
			return wrapMongoErr(err)
		}
		return nil
	}
	doc := sessionDocument{ClientID: clientID, Subscriptions: subs}
	result, err := coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return wrapMongoErr(err)
	}
	logger.DebugF("Session saved: client_id=%s, matched=%d, modified=%d, upserted=%v",
		clientID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ms *MongoStore) LookupSubscriptions(ctx context.Context, clientID string) ([]mqtt.Subscription, error) {
	if clientID == "" {
		return nil, ErrClientIdEmpty
	}
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	var doc sessionDocument
	err := ms.db.Collection(SessionCollectionName).FindOne(ctx, bson.D{{Key: "client_id", Value: clientID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	return doc.Subscriptions, nil
}

func (ms *MongoStore) AllSubscriptions(ctx context.Context) (map[string][]mqtt.Subscription, error) {
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	cursor, err := ms.db.Collection(SessionCollectionName).Find(ctx, bson.D{})
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	var docs []sessionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapMongoErr(err)
	}
	result := make(map[string][]mqtt.Subscription, len(docs))
	for _, doc := range docs {
		result[doc.ClientID] = doc.Subscriptions
	}
	return result, nil
}

func (ms *MongoStore) StoreOfflinePacket(ctx context.Context, clientID string, msg *mqtt.Message) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	doc := offlineDocument{ID: primitive.NewObjectID(), ClientID: clientID, Message: *msg}
	if _, err := ms.db.Collection(OfflineCollectionName).InsertOne(ctx, doc); err != nil {
		return wrapMongoErr(err)
	}
	return nil
}

func (ms *MongoStore) StreamOfflinePackets(ctx context.Context, clientID string, fn func(*mqtt.Message) error) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	coll := ms.db.Collection(OfflineCollectionName)
	filter := bson.D{{Key: "client_id", Value: clientID}}
	cursor, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return wrapMongoErr(err)
	}
	var docs []offlineDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return wrapMongoErr(err)
	}
	if len(docs) == 0 {
		return nil
	}
	ids := make([]primitive.ObjectID, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	if _, err := coll.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}}); err != nil {
		return wrapMongoErr(err)
	}
	for i := range docs {
		if err := fn(&docs[i].Message); err != nil {
			return err
		}
	}
	return nil
}

func (ms *MongoStore) CleanSession(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: clientID}}
	if _, err := ms.db.Collection(SessionCollectionName).DeleteOne(ctx, filter); err != nil {
		return wrapMongoErr(err)
	}
	result, err := ms.db.Collection(OfflineCollectionName).DeleteMany(ctx, filter)
	if err != nil {
		return wrapMongoErr(err)
	}
	logger.DebugF("Session cleaned: client_id=%s, offline deleted=%d", clientID, result.DeletedCount)
	return nil
}

func (ms *MongoStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := ms.opContext(ctx)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
