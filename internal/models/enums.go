package models

import "fmt"

// Lifecycle is the state of a soft-deletable resource. The deleted_at
// timestamp is kept only as an audit attribute; queries use this state.
type Lifecycle string

const (
	LifecycleActive   Lifecycle = "active"
	LifecycleDisabled Lifecycle = "disabled"
	LifecycleDeleted  Lifecycle = "deleted"
)

func ParseLifecycle(s string) (Lifecycle, error) {
	switch l := Lifecycle(s); l {
	case LifecycleActive, LifecycleDisabled, LifecycleDeleted:
		return l, nil
	}
	return "", fmt.Errorf("unknown lifecycle state %q", s)
}

type VersionStatus string

const (
	VersionEnabled  VersionStatus = "enabled"
	VersionDisabled VersionStatus = "disabled"
)

func ParseVersionStatus(s string) (VersionStatus, error) {
	switch v := VersionStatus(s); v {
	case VersionEnabled, VersionDisabled:
		return v, nil
	}
	return "", fmt.Errorf("unknown version status %q", s)
}

type SubjectType string

const (
	SubjectUser           SubjectType = "user"
	SubjectServiceAccount SubjectType = "service_account"
)

func ParseSubjectType(s string) (SubjectType, error) {
	switch t := SubjectType(s); t {
	case SubjectUser, SubjectServiceAccount:
		return t, nil
	}
	return "", fmt.Errorf("unknown subject type %q", s)
}

type ResourceType string

const (
	ResourceProject ResourceType = "project"
	ResourceSecret  ResourceType = "secret"
)

func ParseResourceType(s string) (ResourceType, error) {
	switch t := ResourceType(s); t {
	case ResourceProject, ResourceSecret:
		return t, nil
	}
	return "", fmt.Errorf("unknown resource type %q", s)
}

type Role string

const (
	RoleSecretAdmin    Role = "secret.admin"
	RoleSecretAccessor Role = "secret.accessor"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleSecretAdmin, RoleSecretAccessor:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditDenied  AuditStatus = "denied"
	AuditError   AuditStatus = "error"
)
