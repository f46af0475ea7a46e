package chat

import (
	"context"
	"errors"

	"zk_chat/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// ChatRepo is the client's local store of chat sessions, including the
	// per-chat key seed.
	ChatRepo struct {
		collection *mongo.Collection
	}
)

func NewChatRepo(db *mongo.Database) *ChatRepo {
	return &ChatRepo{
		collection: db.Collection("chats"),
	}
}

func (r *ChatRepo) Get(ctx context.Context, chatID string) (*model.ChatSession, error) {
	filter := bson.M{
		"chat_id": chatID,
	}

	var chat model.ChatSession
	err := r.collection.FindOne(ctx, filter).Decode(&chat)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &chat, nil
}

func (r *ChatRepo) List(ctx context.Context) ([]*model.ChatSession, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetProjection(bson.M{"messages": 0})

	cur, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var chats []*model.ChatSession
	if err := cur.All(ctx, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (r *ChatRepo) Save(ctx context.Context, chat *model.ChatSession) error {
	filter := bson.M{
		"chat_id": chat.ChatID,
	}
	_, err := r.collection.ReplaceOne(ctx, filter, chat, options.Replace().SetUpsert(true))
	return err
}

func (r *ChatRepo) Delete(ctx context.Context, chatID string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"chat_id": chatID})
	return err
}
