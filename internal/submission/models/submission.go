package models

import (
	"strings"
	"time"

	dErrors "quotefeed/pkg/domain-errors"
)

// Step names a page of the quote funnel.
type Step string

const (
	StepVehicle  Step = "vehicle"
	StepDriver   Step = "driver"
	StepCoverage Step = "coverage"
	StepContact  Step = "contact"
	StepQuote    Step = "quote"
	StepPayment  Step = "payment"
)

// IsValid checks if the step is one of the funnel pages.
func (s Step) IsValid() bool {
	switch s {
	case StepVehicle, StepDriver, StepCoverage, StepContact, StepQuote, StepPayment:
		return true
	}
	return false
}

// Submission is a durable funnel record. Version is the store-wide
// modification marker: every create or update assigns a value greater than
// any previously assigned one. Revision counts writes to this record only.
type Submission struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id"`
	Step      Step           `json:"step"`
	Fields    map[string]any `json:"fields"`
	Revision  int            `json:"revision"`
	Version   uint64         `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsNew reports whether the record has only been written once.
func (s *Submission) IsNew() bool {
	return s.Revision <= 1
}

// Input is the caller-supplied part of a submission.
type Input struct {
	Step   Step           `json:"step"`
	Fields map[string]any `json:"fields"`
}

// Validate checks the shape of an input. Field contents are the business of
// the funnel pages and are not inspected here.
func (in Input) Validate(maxFields int) error {
	if in.Step == "" {
		return dErrors.New(dErrors.CodeValidation, "step is required")
	}
	if !in.Step.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown step: "+string(in.Step))
	}
	if len(in.Fields) == 0 {
		return dErrors.New(dErrors.CodeValidation, "fields are required")
	}
	if maxFields > 0 && len(in.Fields) > maxFields {
		return dErrors.New(dErrors.CodeValidation, "too many fields")
	}
	for k := range in.Fields {
		if strings.TrimSpace(k) == "" {
			return dErrors.New(dErrors.CodeValidation, "field names cannot be blank")
		}
	}
	return nil
}
