package chatid

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type (
	// Entry binds a chat id to the public keys of its two participants. The
	// receiver is empty until the guest joins.
	Entry struct {
		ChatID            string    `bson:"chat_id" json:"chatId"`
		SenderPublicKey   string    `bson:"sender_public_key" json:"senderPublicKey"`
		ReceiverPublicKey string    `bson:"receiver_public_key" json:"receiverPublicKey"`
		CreatedAt         time.Time `bson:"created_at" json:"createdAt"`
	}

	ChatIDRepo struct {
		collection *mongo.Collection
	}
)

func NewChatIDRepo(db *mongo.Database) *ChatIDRepo {
	return &ChatIDRepo{
		collection: db.Collection("chat_ids"),
	}
}

func (r *ChatIDRepo) Create(ctx context.Context, e *Entry) error {
	_, err := r.collection.InsertOne(ctx, e)
	return err
}

func (r *ChatIDRepo) GetByID(ctx context.Context, chatID string) (*Entry, error) {
	var e Entry
	err := r.collection.FindOne(ctx, bson.M{"chat_id": chatID}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &e, nil
}

// ClaimReceiver sets the receiver key if the slot is still free and returns
// the entry as stored afterwards.
func (r *ChatIDRepo) ClaimReceiver(ctx context.Context, chatID, publicKey string) (*Entry, error) {
	filter := bson.M{
		"chat_id":             chatID,
		"receiver_public_key": "",
		"sender_public_key":   bson.M{"$ne": publicKey},
	}
	update := bson.M{
		"$set": bson.M{"receiver_public_key": publicKey},
	}
	if _, err := r.collection.UpdateOne(ctx, filter, update); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, chatID)
}
