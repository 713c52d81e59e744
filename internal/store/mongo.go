package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	messagesCollection = "messages"
	countersCollection = "counters"
	messageSequence    = "messages"
)

type messageDoc struct {
	ID         int64     `bson:"_id"`
	SenderID   string    `bson:"senderId"`
	ReceiverID string    `bson:"receiverId"`
	Body       string    `bson:"body"`
	CreatedAt  time.Time `bson:"createdAt"`
}

type counterDoc struct {
	Seq int64 `bson:"seq"`
}

// MongoStore 将消息保存在 MongoDB 中。ID 由 counters 集合的自增序列分配，
// 保证创建顺序可恢复。
type MongoStore struct {
	messages *mongo.Collection
	counters *mongo.Collection
	now      func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		messages: db.Collection(messagesCollection),
		counters: db.Collection(countersCollection),
		now:      time.Now,
	}
}

// ConnectMongo 建立连接并确认主节点可达。
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// EnsureIndexes 为会话查询建立复合索引。
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "senderId", Value: 1}, {Key: "receiverId", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	return err
}

func (s *MongoStore) nextID(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var c counterDoc
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": messageSequence},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&c)
	if err != nil {
		return 0, fmt.Errorf("next message id: %w", err)
	}
	return c.Seq, nil
}

func (s *MongoStore) Persist(ctx context.Context, msg Message) (Message, error) {
	id, err := s.nextID(ctx)
	if err != nil {
		return Message{}, err
	}
	// BSON 日期只有毫秒精度，先截断以保证返回值与落盘值一致。
	doc := messageDoc{
		ID:         id,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Body:       msg.Body,
		CreatedAt:  s.now().UTC().Truncate(time.Millisecond),
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return Message{}, err
	}
	return fromDoc(doc), nil
}

func (s *MongoStore) Conversation(ctx context.Context, userA, userB string, page Page) ([]Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"senderId": userA, "receiverId": userB},
		bson.M{"senderId": userB, "receiverId": userA},
	}}
	if page.BeforeID > 0 {
		filter["_id"] = bson.M{"$lt": int64(page.BeforeID)}
	}

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	if page.Limit > 0 {
		opts = options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
			SetLimit(int64(page.Limit))
	}

	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDoc(d))
	}
	if page.Limit > 0 {
		reverse(out)
	}
	return out, nil
}

func fromDoc(d messageDoc) Message {
	return Message{
		ID:         uint64(d.ID),
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		Body:       d.Body,
		CreatedAt:  d.CreatedAt.UTC(),
	}
}
