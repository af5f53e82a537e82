package models

import "time"

// Project is the tenant boundary. It owns secrets and service accounts.
type Project struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Slug      string    `json:"slug" db:"slug"`
	OwnerID   string    `json:"owner_id,omitempty" db:"owner_id"`
	Status    Lifecycle `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (p *Project) Active() bool { return p.Status == LifecycleActive }

type ServiceAccount struct {
	ID        string     `json:"id" db:"id"`
	ProjectID string     `json:"project_id" db:"project_id"`
	Name      string     `json:"name" db:"name"`
	ClientID  string     `json:"client_id" db:"client_id"`
	PublicKey string     `json:"-" db:"public_key"`
	Status    Lifecycle  `json:"status" db:"status"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

func (sa *ServiceAccount) Active() bool { return sa.Status == LifecycleActive }
