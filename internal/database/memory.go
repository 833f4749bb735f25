package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"alumnet-chat/internal/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MemoryDB is a process-local Database used when no DATABASE_URL is
// configured, and by tests. Messages are kept in insertion order, which is
// also chronological since created_at is assigned on save.
type MemoryDB struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	byEmail  map[string]string
	messages []*models.MessageRecord
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		users:   make(map[string]*models.User),
		byEmail: make(map[string]string),
	}
}

func (db *MemoryDB) Close() error {
	return nil
}

func (db *MemoryDB) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	id, ok := db.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	u := *db.users[id]
	return &u, nil
}

func (db *MemoryDB) GetUserByID(_ context.Context, id string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	u, ok := db.users[id]
	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	cp := *u
	return &cp, nil
}

func (db *MemoryDB) CreateUser(_ context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.byEmail[req.Email]; exists {
		return nil, fmt.Errorf("email already registered")
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Department:   req.Department,
		Batch:        req.Batch,
		CreatedAt:    time.Now(),
	}
	db.users[user.ID] = user
	db.byEmail[user.Email] = user.ID

	cp := *user
	return &cp, nil
}

func (db *MemoryDB) SaveMessage(_ context.Context, sender, receiver, content string) (*models.MessageRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rec := &models.MessageRecord{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		IsRead:    false,
		CreatedAt: time.Now(),
	}
	db.messages = append(db.messages, rec)

	cp := *rec
	return &cp, nil
}

func (db *MemoryDB) ListConversation(_ context.Context, a, b string) ([]*models.MessageRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var records []*models.MessageRecord
	for _, rec := range db.messages {
		if (rec.Sender == a && rec.Receiver == b) || (rec.Sender == b && rec.Receiver == a) {
			cp := *rec
			records = append(records, &cp)
		}
	}
	return records, nil
}
