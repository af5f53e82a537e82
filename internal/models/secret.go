package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Secret struct {
	ID        string     `json:"id" db:"id"`
	ProjectID string     `json:"project_id" db:"project_id"`
	Name      string     `json:"name" db:"name"`
	Labels    Labels     `json:"labels" db:"labels"`
	CreatedBy string     `json:"created_by,omitempty" db:"created_by"`
	Status    Lifecycle  `json:"status" db:"status"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

func (s *Secret) Active() bool { return s.Status == LifecycleActive }

// SecretVersion is an immutable ciphertext record. Only Status ever changes,
// and only from enabled to disabled.
type SecretVersion struct {
	ID        string        `json:"id" db:"id"`
	SecretID  string        `json:"secret_id" db:"secret_id"`
	Version   int           `json:"version" db:"version"`
	Status    VersionStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`

	Ciphertext []byte `json:"-" db:"ciphertext"`
	DataIV     []byte `json:"-" db:"data_iv"`
	DataTag    []byte `json:"-" db:"data_tag"`
	WrappedDEK []byte `json:"-" db:"wrapped_dek"`
	DEKIV      []byte `json:"-" db:"dek_iv"`
	DEKTag     []byte `json:"-" db:"dek_tag"`
}

// Metadata strips the envelope fields so listings never carry ciphertext.
func (v *SecretVersion) Metadata() VersionMetadata {
	return VersionMetadata{
		ID:        v.ID,
		SecretID:  v.SecretID,
		Version:   v.Version,
		Status:    v.Status,
		CreatedAt: v.CreatedAt,
	}
}

type VersionMetadata struct {
	ID        string        `json:"id" db:"id"`
	SecretID  string        `json:"secret_id" db:"secret_id"`
	Version   int           `json:"version" db:"version"`
	Status    VersionStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// Labels is stored as a JSON object in a text column.
type Labels map[string]string

func (l Labels) Value() (driver.Value, error) {
	if l == nil {
		return "{}", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *Labels) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = Labels{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("labels: unsupported type %T", src)
	}
	out := Labels{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("labels: %w", err)
		}
	}
	*l = out
	return nil
}
