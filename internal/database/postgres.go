package database

import (
	"context"
	"fmt"

	"alumnet-chat/internal/models"
	"alumnet-chat/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Log.Info("connected to database")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// User Repository Implementation
func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, username, email, password_hash, department, batch, created_at FROM users WHERE email = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, email).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Department, &user.Batch, &user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return user, nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, username, email, department, batch, created_at FROM users WHERE id = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.Email, &user.Department, &user.Batch, &user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return user, nil
}

func (db *PostgresDB) CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO users (id, username, email, password_hash, department, batch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, username, email, department, batch, created_at`

	user := &models.User{PasswordHash: string(hash)}
	err = db.pool.QueryRow(ctx, query, uuid.NewString(), req.Username, req.Email, string(hash), req.Department, req.Batch).Scan(
		&user.ID, &user.Username, &user.Email, &user.Department, &user.Batch, &user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// Message Repository Implementation
func (db *PostgresDB) SaveMessage(ctx context.Context, sender, receiver, content string) (*models.MessageRecord, error) {
	query := `
		INSERT INTO messages (id, sender_id, receiver_id, content, is_read, created_at)
		VALUES ($1, $2, $3, $4, false, NOW())
		RETURNING id, sender_id, receiver_id, content, is_read, created_at`

	rec := &models.MessageRecord{}
	err := db.pool.QueryRow(ctx, query, uuid.NewString(), sender, receiver, content).Scan(
		&rec.ID, &rec.Sender, &rec.Receiver, &rec.Content, &rec.IsRead, &rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	return rec, nil
}

func (db *PostgresDB) ListConversation(ctx context.Context, a, b string) ([]*models.MessageRecord, error) {
	query := `
		SELECT id, sender_id, receiver_id, content, is_read, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at`

	rows, err := db.pool.Query(ctx, query, a, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.MessageRecord
	for rows.Next() {
		rec := &models.MessageRecord{}
		if err := rows.Scan(&rec.ID, &rec.Sender, &rec.Receiver, &rec.Content, &rec.IsRead, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
