package repositories

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/solgems/gemspay_backend/config"
	"github.com/solgems/gemspay_backend/models"
)

// ErrInsufficientGems means a debit would take the balance negative. The
// debit filter requires gemsBalance >= amount, so overdraft is impossible
// even under concurrent requests.
var ErrInsufficientGems = errors.New("insufficient gems balance")

type UserRepository struct {
	collection *mongo.Collection
}

func NewUserRepository(db *mongo.Client) *UserRepository {
	return &UserRepository{
		collection: config.GetCollection(db, "users"),
	}
}

// GetByID returns one user.
func (r *UserRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	var user models.User
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByEmail returns one user by email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.collection.FindOne(ctx, bson.M{"email": email}).Decode(&user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// DebitGems removes gems from a user's balance in one conditional update.
// The balance check and the decrement are the same write.
func (r *UserRepository) DebitGems(ctx context.Context, userID primitive.ObjectID, amount int64) error {
	result, err := r.collection.UpdateOne(ctx, bson.M{
		"_id":         userID,
		"gemsBalance": bson.M{"$gte": amount},
	}, bson.M{
		"$inc": bson.M{"gemsBalance": -amount},
		"$set": bson.M{"updatedAt": time.Now()},
	})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrInsufficientGems
	}
	return nil
}

// CreditGems adds gems back to a user's balance.
func (r *UserRepository) CreditGems(ctx context.Context, userID primitive.ObjectID, amount int64) error {
	result, err := r.collection.UpdateOne(ctx, bson.M{
		"_id": userID,
	}, bson.M{
		"$inc": bson.M{"gemsBalance": amount},
		"$set": bson.M{"updatedAt": time.Now()},
	})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// AddWithdrawnTotal bumps the lifetime withdrawn counter on payout.
func (r *UserRepository) AddWithdrawnTotal(ctx context.Context, userID primitive.ObjectID, gems int64) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$inc": bson.M{"totalWithdrawn": gems},
		"$set": bson.M{"updatedAt": time.Now()},
	})
	return err
}
