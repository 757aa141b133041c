package pipeline

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

type onboardingInput struct {
	ProjectID string `json:"project_id" validate:"required"`
}

type siteAuditInput struct {
	ProjectID string `json:"project_id" validate:"required"`
	JobID     string `json:"job_id"`
	URL       string `json:"url" validate:"omitempty,http_url"`
}

type reportInput struct {
	ProjectID string `json:"project_id" validate:"required"`
	JobID     string `json:"job_id" validate:"required"`
}

type enrichmentInput struct {
	ProjectID string `json:"project_id" validate:"required"`
	JobID     string `json:"job_id"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateInput returns the first violation as an *audit.ValidationError.
func validateInput(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return &audit.ValidationError{Message: err.Error()}
	}
	fe := fields[0]
	msg := "is invalid"
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "http_url":
		msg = "must be an http(s) URL"
	}
	return &audit.ValidationError{Field: fe.Field(), Message: msg}
}
