package models

import "time"

// Contact represents a subscriber of a tenant
type Contact struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	Email        string            `json:"email"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Phone        string            `json:"phone"`
	Company      string            `json:"company"`
	Status       string            `json:"status"` // subscribed, unsubscribed, bounced
	CustomFields map[string]string `json:"custom_fields"`
	EmailsOpened int               `json:"emails_opened"`
	LinksClicked int               `json:"links_clicked"`

	// Loaded associations
	TagIDs  []string `json:"tag_ids"`
	ListIDs []string `json:"list_ids"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StandardFields lists contact columns addressable by name from conditions and update_field steps
var StandardFields = []string{"email", "first_name", "last_name", "phone", "company", "status"}

// IsStandardField reports whether name is a standard contact column
func IsStandardField(name string) bool {
	for _, f := range StandardFields {
		if f == name {
			return true
		}
	}
	return false
}

// Field returns a standard or custom field value
func (c *Contact) Field(name string) (string, bool) {
	switch name {
	case "email":
		return c.Email, true
	case "first_name":
		return c.FirstName, true
	case "last_name":
		return c.LastName, true
	case "phone":
		return c.Phone, true
	case "company":
		return c.Company, true
	case "status":
		return c.Status, true
	}
	v, ok := c.CustomFields[name]
	return v, ok
}

// Variables returns the substitution map for {{field}} tokens.
// Custom fields never shadow standard ones.
func (c *Contact) Variables() map[string]string {
	vars := make(map[string]string, len(c.CustomFields)+len(StandardFields)+1)
	for k, v := range c.CustomFields {
		vars[k] = v
	}
	for _, f := range StandardFields {
		v, _ := c.Field(f)
		vars[f] = v
	}
	name := c.FirstName
	if c.LastName != "" {
		if name != "" {
			name += " "
		}
		name += c.LastName
	}
	vars["name"] = name
	return vars
}

// HasTag reports whether the contact carries the tag
func (c *Contact) HasTag(tagID string) bool {
	for _, t := range c.TagIDs {
		if t == tagID {
			return true
		}
	}
	return false
}

// InList reports whether the contact is a member of the list
func (c *Contact) InList(listID string) bool {
	for _, l := range c.ListIDs {
		if l == listID {
			return true
		}
	}
	return false
}

// Tag is a tenant label attachable to contacts
type Tag struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// List is a tenant mailing list
type List struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
