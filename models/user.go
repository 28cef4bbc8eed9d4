// models/user.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// User model
type User struct {
	ID             primitive.ObjectID `json:"id,omitempty" bson:"_id,omitempty"`
	Email          string             `json:"email" bson:"email"`
	Password       string             `json:"password,omitempty" bson:"password"`
	Username       string             `json:"username" bson:"username"`
	UserType       string             `json:"userType" bson:"userType"`
	IsActive       bool               `json:"isActive" bson:"isActive"`
	WalletAddress  string             `json:"walletAddress,omitempty" bson:"walletAddress,omitempty"`
	GemsBalance    int64              `json:"gemsBalance" bson:"gemsBalance"`
	TotalWithdrawn int64              `json:"totalWithdrawn" bson:"totalWithdrawn"`
	TotalDeposited int64              `json:"totalDeposited" bson:"totalDeposited"`
	LastActivityAt time.Time          `json:"lastActivityAt" bson:"lastActivityAt"`
	CreatedAt      time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// LoginRequest model
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Response model
type Response struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
