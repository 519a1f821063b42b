package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/lakelink/internal/errors"
	"github.com/devrev/lakelink/internal/model"
	"github.com/devrev/lakelink/internal/protocol"
)

const (
	MaxURISize       = 4096
	MaxTableNameSize = 1024
	MaxPathSize      = 4096
	MaxFilesPerLoad  = 100000
)

// Validator checks request fields before they reach the backend
type Validator struct {
	maxURISize       int
	maxTableNameSize int
	maxPathSize      int
	maxFilesPerLoad  int
}

// NewValidator creates a validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxURISize:       MaxURISize,
		maxTableNameSize: MaxTableNameSize,
		maxPathSize:      MaxPathSize,
		maxFilesPerLoad:  MaxFilesPerLoad,
	}
}

// ValidateRequest checks the fields of any request variant
func (v *Validator) ValidateRequest(req protocol.Request) error {
	switch r := req.(type) {
	case protocol.CreateTable:
		return v.ValidateCreateTable(r)
	case protocol.LoadFiles:
		return v.ValidateLoadFiles(r.FilePaths)
	case protocol.OptimizeTable:
		return v.ValidateOptimizeMode(r.Mode)
	default:
		return nil
	}
}

// ValidateCreateTable checks the connection URIs and source table of a new
// table. The source URI falls back to the destination URI, so one of them
// must be set.
func (v *Validator) ValidateCreateTable(r protocol.CreateTable) error {
	if err := v.validateText("destination_uri", r.DestinationURI, v.maxURISize, true); err != nil {
		return err
	}
	if err := v.validateText("source_uri", r.SourceURI, v.maxURISize, true); err != nil {
		return err
	}
	if err := v.validateText("source_table", r.SourceTable, v.maxTableNameSize, false); err != nil {
		return err
	}
	if r.SourceURI == "" && r.DestinationURI == "" {
		return errors.InvalidArgument("destination_uri or source_uri is required", nil)
	}
	return nil
}

// ValidateLoadFiles checks the file list of a load
func (v *Validator) ValidateLoadFiles(paths []string) error {
	if len(paths) > v.maxFilesPerLoad {
		return errors.InvalidArgument(
			fmt.Sprintf("too many files: %d (max %d)", len(paths), v.maxFilesPerLoad), nil)
	}
	for i, p := range paths {
		if err := v.validateText(fmt.Sprintf("file_paths[%d]", i), p, v.maxPathSize, false); err != nil {
			return err
		}
	}
	return nil
}

// ValidateOptimizeMode checks that mode names a known optimize mode
func (v *Validator) ValidateOptimizeMode(mode string) error {
	if _, ok := model.ParseOptimizeMode(mode); !ok {
		return errors.InvalidArgument(fmt.Sprintf("unknown optimize mode %q", mode), nil).
			WithDetail("allowed", "data,index,full")
	}
	return nil
}

func (v *Validator) validateText(field, value string, maxSize int, allowEmpty bool) error {
	if value == "" {
		if allowEmpty {
			return nil
		}
		return errors.InvalidArgument(field+" cannot be empty", nil)
	}
	if len(value) > maxSize {
		return errors.InvalidArgument(
			fmt.Sprintf("%s exceeds maximum size of %d bytes", field, maxSize), nil)
	}
	if strings.IndexFunc(value, unicode.IsControl) >= 0 {
		return errors.InvalidArgument(field+" contains control characters", nil)
	}
	return nil
}
