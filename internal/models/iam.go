package models

import "time"

// Binding is the authorization tuple. All five fields together are unique.
type Binding struct {
	SubjectType  SubjectType  `json:"subject_type" db:"subject_type"`
	SubjectID    string       `json:"subject_id" db:"subject_id"`
	ResourceType ResourceType `json:"resource_type" db:"resource_type"`
	ResourceID   string       `json:"resource_id" db:"resource_id"`
	Role         Role         `json:"role" db:"role"`
}

type IamBinding struct {
	ID string `json:"id" db:"id"`
	Binding
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type BindingFilter struct {
	SubjectID  string
	ResourceID string
}

// Subject identifies the caller on whose behalf an operation runs.
type Subject struct {
	Type SubjectType
	ID   string
}

func User(id string) Subject { return Subject{Type: SubjectUser, ID: id} }

func ServiceAccountSubject(id string) Subject {
	return Subject{Type: SubjectServiceAccount, ID: id}
}

// RequestMeta is the network metadata supplied by the transport layer.
type RequestMeta struct {
	IP        string
	UserAgent string
}
