package database

import (
	"context"

	"alumnet-chat/internal/models"
)

type UserRepository interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error)
}

type MessageRepository interface {
	SaveMessage(ctx context.Context, sender, receiver, content string) (*models.MessageRecord, error)
	ListConversation(ctx context.Context, a, b string) ([]*models.MessageRecord, error)
}

type Database interface {
	UserRepository
	MessageRepository
	Close() error
}
