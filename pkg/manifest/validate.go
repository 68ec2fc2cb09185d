package manifest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/jobvault/internal/assets/schemas"
)

var (
	ErrSchemaNotFound   = errors.New("submission schema not found")
	ErrValidationFailed = errors.New("submission validation failed")
)

// Validators are compiled on first use and shared afterwards.
var (
	requestValidator  = lazyValidator("submit-request", schemasassets.SubmitRequestSchema)
	manifestValidator = lazyValidator("submit-manifest", schemasassets.SubmitManifestSchema)
)

func lazyValidator(name string, doc []byte) func() (*schema.Validator, error) {
	return sync.OnceValues(func() (*schema.Validator, error) {
		if len(doc) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
		}
		v, err := schema.NewValidator(doc)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		return v, nil
	})
}

// ValidationError is one schema violation. Path is a JSON pointer such as
// /jobs/0/input_key.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every violation found in one document. It
// matches ErrValidationFailed with errors.Is.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, fmt.Sprintf("submission validation failed with %d errors:", len(e)))
	for _, v := range e {
		lines = append(lines, "  - "+v.Error())
	}
	return strings.Join(lines, "\n")
}

func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

// ValidateRequest checks the JSON body of a single submission.
func ValidateRequest(body []byte) error {
	return validate(requestValidator, body)
}

// ValidateRaw checks a manifest already converted to JSON.
func ValidateRaw(doc []byte) error {
	return validate(manifestValidator, doc)
}

func validate(load func() (*schema.Validator, error), doc []byte) error {
	v, err := load()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(doc)
	if err != nil {
		return fmt.Errorf("validate document: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
	}
	if errs == nil {
		return nil
	}
	return errs
}
