package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is a singleton validator instance
var validate = validator.New()

// Validate checks field ranges and the relationships between fields. All
// problems are reported together.
func (c Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		errs = append(errs, formatValidationErrors(err)...)
	}

	if c.FileTableBlockSize > 0 && c.MemoryTableSize > 0 && int64(c.FileTableBlockSize) > c.MemoryTableSize {
		errs = append(errs, fmt.Errorf("file_table_block_size: %d exceeds memory_table_size %d",
			c.FileTableBlockSize, c.MemoryTableSize))
	}
	if c.TargetTableSize > 0 && c.FileTableBlockSize > 0 && c.TargetTableSize < int64(c.FileTableBlockSize) {
		errs = append(errs, fmt.Errorf("target_table_size: %d is smaller than file_table_block_size %d",
			c.TargetTableSize, c.FileTableBlockSize))
	}
	if c.WALSync == "batch" && c.WALSyncInterval <= 0 {
		errs = append(errs, errors.New("wal_sync_interval: required when wal_sync is batch"))
	}

	return errors.Join(errs...)
}

// formatValidationErrors turns validator output into messages keyed by the
// YAML field name.
func formatValidationErrors(err error) []error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return []error{err}
	}

	out := make([]error, 0, len(validationErrs))
	for _, e := range validationErrs {
		field := yamlName(e.StructField())
		param := e.Param()

		switch e.Tag() {
		case "required":
			out = append(out, fmt.Errorf("%s: field is required", field))
		case "min":
			out = append(out, fmt.Errorf("%s: must be at least %s", field, param))
		case "max":
			out = append(out, fmt.Errorf("%s: must not exceed %s", field, param))
		case "gt":
			out = append(out, fmt.Errorf("%s: must be greater than %s", field, param))
		case "lt":
			out = append(out, fmt.Errorf("%s: must be less than %s", field, param))
		case "oneof":
			out = append(out, fmt.Errorf("%s: must be one of [%s]", field, param))
		default:
			out = append(out, fmt.Errorf("%s: validation failed (%s)", field, e.Tag()))
		}
	}
	return out
}
