package config

import (
	"fmt"
	"time"

	"github.com/dalat-app/rsvp-engine/internal/admission"
	"github.com/dalat-app/rsvp-engine/internal/model"
)

// AdmissionConfig tunes the admission controller and event editing rules.
type AdmissionConfig struct {
	LockTimeout     time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	Policy          admission.Policy
	SlugEditability model.SlugEditability
}

// LoadAdmissionConfig reads ADMISSION_* and related variables.
func LoadAdmissionConfig() (AdmissionConfig, error) {
	policy, err := admission.ParsePolicy(envStr("PROMOTION_POLICY", string(admission.PolicySkip)))
	if err != nil {
		return AdmissionConfig{}, err
	}
	slug := model.SlugEditability(envStr("SLUG_EDITABILITY", string(model.SlugEditableAnytime)))
	if slug != model.SlugEditableAnytime && slug != model.SlugEditableCreateOnly {
		return AdmissionConfig{}, fmt.Errorf("unknown slug editability %q", slug)
	}
	c := AdmissionConfig{
		LockTimeout:     envDur("ADMISSION_LOCK_TIMEOUT", 3*time.Second),
		MaxRetries:      envInt("ADMISSION_MAX_RETRIES", 2),
		RetryBackoff:    envDur("ADMISSION_RETRY_BACKOFF", 100*time.Millisecond),
		Policy:          policy,
		SlugEditability: slug,
	}
	if c.LockTimeout <= 0 {
		return AdmissionConfig{}, fmt.Errorf("ADMISSION_LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c, nil
}

// Options converts the config into controller options.
func (c AdmissionConfig) Options() admission.Options {
	return admission.Options{
		LockTimeout:  c.LockTimeout,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		Policy:       c.Policy,
	}
}
