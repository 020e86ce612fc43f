package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/google/uuid"
)

type TagRepository struct {
	db *sql.DB
}

func NewTagRepository(db *sql.DB) *TagRepository {
	return &TagRepository{db: db}
}

// Create creates a new tag
func (r *TagRepository) Create(t *models.Tag) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(`INSERT INTO tags (id, tenant_id, name, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Name, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tag: %w", err)
	}
	return nil
}

// GetByID returns a tag by ID
func (r *TagRepository) GetByID(id string) (*models.Tag, error) {
	t := &models.Tag{}
	err := r.db.QueryRow(`SELECT id, tenant_id, name, created_at FROM tags WHERE id = ?`, id).
		Scan(&t.ID, &t.TenantID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

type ListRepository struct {
	db *sql.DB
}

func NewListRepository(db *sql.DB) *ListRepository {
	return &ListRepository{db: db}
}

// Create creates a new list
func (r *ListRepository) Create(l *models.List) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.CreatedAt = time.Now().UTC()
	l.UpdatedAt = l.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO lists (id, tenant_id, name, member_count, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		l.ID, l.TenantID, l.Name, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create list: %w", err)
	}
	return nil
}

// GetByID returns a list by ID
func (r *ListRepository) GetByID(id string) (*models.List, error) {
	l := &models.List{}
	err := r.db.QueryRow(`
		SELECT id, tenant_id, name, member_count, created_at, updated_at FROM lists WHERE id = ?`, id,
	).Scan(&l.ID, &l.TenantID, &l.Name, &l.MemberCount, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}
