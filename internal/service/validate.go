package service

import (
	"regexp"

	"crypta.vault/internal/apperr"
	"crypta.vault/internal/models"
)

var (
	projectNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\s_-]{3,100}$`)
	accountNamePattern = regexp.MustCompile(`^[a-z0-9-]{3,50}$`)
	secretNamePattern  = regexp.MustCompile(`^[A-Z][A-Z0-9_]{2,59}$`)
	labelPattern       = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]{0,61}[a-z0-9])?$`)
)

const maxLabels = 64

func validateProjectName(name string) error {
	if !projectNamePattern.MatchString(name) {
		return apperr.New(apperr.Validation,
			"project name must be 3-100 letters, numbers, spaces, hyphens or underscores")
	}
	return nil
}

func validateAccountName(name string) error {
	if !accountNamePattern.MatchString(name) {
		return apperr.New(apperr.Validation,
			"service account name must be 3-50 lowercase letters, numbers or hyphens")
	}
	return nil
}

func validateSecretName(name string) error {
	if !secretNamePattern.MatchString(name) {
		return apperr.New(apperr.Validation,
			"secret name must be 3-60 uppercase letters, digits or underscores starting with a letter")
	}
	return nil
}

func validateLabels(labels models.Labels) error {
	if len(labels) > maxLabels {
		return apperr.Newf(apperr.Validation, "at most %d labels are allowed", maxLabels)
	}
	for k, v := range labels {
		if !labelPattern.MatchString(k) || !labelPattern.MatchString(v) {
			return apperr.Newf(apperr.Validation,
				"label %q must be lowercase alphanumeric with hyphens, at most 63 characters", k)
		}
	}
	return nil
}
