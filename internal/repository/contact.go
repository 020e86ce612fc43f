package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/google/uuid"
)

type ContactRepository struct {
	db *sql.DB
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Create creates a new contact
func (r *ContactRepository) Create(c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = "subscribed"
	}
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	customFields, err := encodeCustomFields(c.CustomFields)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		INSERT INTO contacts (id, tenant_id, email, first_name, last_name, phone, company, status,
			custom_fields, emails_opened, links_clicked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Email, c.FirstName, c.LastName, c.Phone, c.Company, c.Status,
		customFields, c.EmailsOpened, c.LinksClicked, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// GetByID returns a contact snapshot with its tag and list memberships loaded
func (r *ContactRepository) GetByID(id string) (*models.Contact, error) {
	c := &models.Contact{}
	var firstName, lastName, phone, company, customFields sql.NullString

	err := r.db.QueryRow(`
		SELECT id, tenant_id, email, first_name, last_name, phone, company, status,
			custom_fields, emails_opened, links_clicked, created_at, updated_at
		FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.TenantID, &c.Email, &firstName, &lastName, &phone, &company, &c.Status,
		&customFields, &c.EmailsOpened, &c.LinksClicked, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.FirstName = firstName.String
	c.LastName = lastName.String
	c.Phone = phone.String
	c.Company = company.String
	c.CustomFields = map[string]string{}
	if customFields.Valid && customFields.String != "" {
		if err := json.Unmarshal([]byte(customFields.String), &c.CustomFields); err != nil {
			return nil, fmt.Errorf("failed to decode custom fields of contact %s: %w", c.ID, err)
		}
	}

	if c.TagIDs, err = r.selectIDs(`SELECT tag_id FROM contact_tags WHERE contact_id = ? ORDER BY tag_id`, id); err != nil {
		return nil, err
	}
	if c.ListIDs, err = r.selectIDs(`SELECT list_id FROM list_members WHERE contact_id = ? ORDER BY list_id`, id); err != nil {
		return nil, err
	}

	return c, nil
}

// Version returns the updated_at stamp of a contact. Every write to the contact
// row or its tag and list memberships moves it forward.
func (r *ContactRepository) Version(id string) (time.Time, bool, error) {
	var v time.Time
	err := r.db.QueryRow(`SELECT updated_at FROM contacts WHERE id = ?`, id).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read contact version: %w", err)
	}
	return v, true, nil
}

func touchContact(tx *sql.Tx, contactID string) error {
	if _, err := tx.Exec(`UPDATE contacts SET updated_at = ? WHERE id = ?`, time.Now().UTC(), contactID); err != nil {
		return fmt.Errorf("failed to touch contact: %w", err)
	}
	return nil
}

func (r *ContactRepository) selectIDs(query string, arg string) ([]string, error) {
	rows, err := r.db.Query(query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddTag attaches a tag to a contact. Adding an existing association is a no-op
// and reports false.
func (r *ContactRepository) AddTag(contactID, tagID string) (bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := requireRow(tx, `SELECT COUNT(*) FROM tags WHERE id = ?`, tagID, ErrTagNotFound); err != nil {
		return false, err
	}

	result, err := tx.Exec(`INSERT OR IGNORE INTO contact_tags (contact_id, tag_id, created_at) VALUES (?, ?, ?)`,
		contactID, tagID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to add tag: %w", err)
	}
	added, _ := result.RowsAffected()
	if added > 0 {
		if err := touchContact(tx, contactID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return added > 0, nil
}

// RemoveTag detaches a tag from a contact, reporting whether an association existed
func (r *ContactRepository) RemoveTag(contactID, tagID string) (bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`DELETE FROM contact_tags WHERE contact_id = ? AND tag_id = ?`, contactID, tagID)
	if err != nil {
		return false, fmt.Errorf("failed to remove tag: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		if err := touchContact(tx, contactID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddToList subscribes a contact to a list and recounts the list's members
func (r *ContactRepository) AddToList(contactID, listID string) (bool, error) {
	return r.changeMembership(contactID, listID,
		`INSERT OR IGNORE INTO list_members (list_id, contact_id, created_at) VALUES (?, ?, ?)`,
		listID, contactID, time.Now().UTC())
}

// RemoveFromList unsubscribes a contact from a list and recounts the list's members
func (r *ContactRepository) RemoveFromList(contactID, listID string) (bool, error) {
	return r.changeMembership(contactID, listID,
		`DELETE FROM list_members WHERE list_id = ? AND contact_id = ?`, listID, contactID)
}

func (r *ContactRepository) changeMembership(contactID, listID, stmt string, args ...any) (bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := requireRow(tx, `SELECT COUNT(*) FROM lists WHERE id = ?`, listID, ErrListNotFound); err != nil {
		return false, err
	}

	result, err := tx.Exec(stmt, args...)
	if err != nil {
		return false, fmt.Errorf("failed to change list membership: %w", err)
	}
	changed, _ := result.RowsAffected()
	if changed > 0 {
		if err := touchContact(tx, contactID); err != nil {
			return false, err
		}
	}

	_, err = tx.Exec(`
		UPDATE lists SET member_count = (SELECT COUNT(*) FROM list_members WHERE list_id = ?), updated_at = ?
		WHERE id = ?`, listID, time.Now().UTC(), listID)
	if err != nil {
		return false, fmt.Errorf("failed to recount list members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return changed > 0, nil
}

// UpdateField writes a standard column or a custom field of a contact
func (r *ContactRepository) UpdateField(contactID, field, value string) error {
	now := time.Now().UTC()

	if models.IsStandardField(field) {
		result, err := r.db.Exec(`UPDATE contacts SET `+field+` = ?, updated_at = ? WHERE id = ?`, value, now, contactID)
		if err != nil {
			return fmt.Errorf("failed to update field %s: %w", field, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRow(`SELECT custom_fields FROM contacts WHERE id = ?`, contactID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	fields := map[string]string{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &fields); err != nil {
			return fmt.Errorf("failed to decode custom fields: %w", err)
		}
	}
	fields[field] = value

	encoded, err := encodeCustomFields(fields)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE contacts SET custom_fields = ?, updated_at = ? WHERE id = ?`, encoded, now, contactID); err != nil {
		return fmt.Errorf("failed to update custom field %s: %w", field, err)
	}

	return tx.Commit()
}

// IncrementEngagement bumps the opens or clicks counter of a contact
func (r *ContactRepository) IncrementEngagement(contactID string, trigger models.TriggerType) error {
	var column string
	switch trigger {
	case models.TriggerEmailOpened:
		column = "emails_opened"
	case models.TriggerLinkClicked:
		column = "links_clicked"
	default:
		return nil
	}

	_, err := r.db.Exec(`UPDATE contacts SET `+column+` = `+column+` + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), contactID)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}
	return nil
}

func requireRow(tx *sql.Tx, query, arg string, notFound error) error {
	var n int
	if err := tx.QueryRow(query, arg).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func encodeCustomFields(fields map[string]string) (string, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode custom fields: %w", err)
	}
	return string(data), nil
}
