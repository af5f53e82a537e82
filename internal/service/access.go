package service

import (
	"context"
	"errors"
	"strconv"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/audit"
	"crypta.vault/internal/crypto"
	"crypta.vault/internal/metrics"
	"crypta.vault/internal/models"
	"crypta.vault/internal/store"
	"github.com/awnumar/memguard"
	"go.uber.org/zap"
)

// deniedReason is shared by the missing-secret and missing-binding branches
// so the response does not reveal which one applied.
const deniedReason = "permission denied or secret does not exist"

// Caller is the verified identity behind a service-account access token.
type Caller struct {
	ServiceAccountID string
	ProjectID        string
}

type AccessResult struct {
	Name      string
	Version   int
	Plaintext []byte
}

// Wipe zeroes the plaintext once the response has been written.
func (r *AccessResult) Wipe() {
	if r != nil {
		memguard.WipeBytes(r.Plaintext)
	}
}

// AccessLatest returns the plaintext of the newest enabled version of the
// named secret in the caller's project. Every call leaves exactly one audit
// entry; if that entry cannot be written the plaintext is withheld.
func (s *Service) AccessLatest(ctx context.Context, caller Caller, name string, meta models.RequestMeta) (result *AccessResult, err error) {
	ev := audit.Event{
		Subject:       models.ServiceAccountSubject(caller.ServiceAccountID),
		Action:        models.ActionSecretAccess,
		SecretVersion: "latest",
		Meta:          meta,
	}

	defer func() {
		switch kind := apperr.KindOf(err); {
		case err == nil:
			ev.Status = models.AuditSuccess
		case kind == apperr.Forbidden || kind == apperr.Unauthorized:
			ev.Status = models.AuditDenied
		default:
			ev.Status = models.AuditError
			if ev.Message == "" {
				ev.Message = err.Error()
			}
		}

		if auditErr := s.audit.Record(ctx, ev); auditErr != nil && err == nil {
			result.Wipe()
			result = nil
			err = apperr.Wrap(apperr.Internal, "audit write failed", auditErr)
			ev.Status = models.AuditError
		}

		s.metrics.SecretAccessTotal.WithLabelValues(outcome(ev.Status)).Inc()
		if ev.Status != models.AuditSuccess {
			s.logger.Warn("secret access failed",
				zap.String("service_account_id", caller.ServiceAccountID),
				zap.String("secret_id", ev.SecretID),
				zap.String("status", string(ev.Status)),
				zap.String("reason", ev.Message))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sa, err := s.store.GetServiceAccount(ctx, caller.ServiceAccountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.Internal, "service account lookup failed", err)
	}
	if sa == nil || !sa.Active() || sa.ProjectID != caller.ProjectID {
		ev.Message = "service account is not active"
		return nil, apperr.New(apperr.Unauthorized, "service account not found or disabled")
	}

	secret, err := s.store.GetSecretByName(ctx, caller.ProjectID, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.Internal, "secret lookup failed", err)
	}
	if secret == nil || !secret.Active() {
		ev.Message = "secret not found"
		return nil, apperr.New(apperr.Forbidden, deniedReason)
	}
	ev.SecretID = secret.ID

	allowed, err := s.iam.IsAuthorized(ctx, models.Binding{
		SubjectType:  models.SubjectServiceAccount,
		SubjectID:    caller.ServiceAccountID,
		ResourceType: models.ResourceSecret,
		ResourceID:   secret.ID,
		Role:         models.RoleSecretAccessor,
	})
	if err != nil {
		return nil, err
	}
	if !allowed {
		ev.Message = "no secret.accessor binding"
		return nil, apperr.New(apperr.Forbidden, deniedReason)
	}

	v, err := s.store.GetLatestEnabledVersion(ctx, secret.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "no enabled version")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "version lookup failed", err)
	}
	ev.SecretVersion = strconv.Itoa(v.Version)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plaintext, err := s.cipher.UnwrapAndDecrypt(ctx, &crypto.Envelope{
		Ciphertext: v.Ciphertext,
		DataIV:     v.DataIV,
		DataTag:    v.DataTag,
		WrappedDEK: v.WrappedDEK,
		DEKIV:      v.DEKIV,
		DEKTag:     v.DEKTag,
	})
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			ev.Message = "AuthenticationError: " + err.Error()
			return nil, apperr.Wrap(apperr.Authentication, "decryption failed", err)
		}
		return nil, apperr.Wrap(apperr.Internal, "decryption failed", err)
	}

	return &AccessResult{Name: secret.Name, Version: v.Version, Plaintext: plaintext}, nil
}

func outcome(status models.AuditStatus) string {
	switch status {
	case models.AuditSuccess:
		return metrics.OutcomeSuccess
	case models.AuditDenied:
		return metrics.OutcomeDenied
	}
	return metrics.OutcomeError
}
