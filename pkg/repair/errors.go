package repair

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigParse marks a missing or malformed config.json, or one whose
	// quantization format is not NVFP4.
	ErrConfigParse = errors.New("invalid model config")

	// ErrMissingScale marks a quantized module with no weight_scale record.
	ErrMissingScale = errors.New("missing weight scale")

	ErrStorageRead  = errors.New("storage read failed")
	ErrStorageWrite = errors.New("storage write failed")
)

// MissingScaleError names the quantized module that has no matching
// weight_scale tensor. This is an unrecoverable input: scale values are
// data-dependent, so synthesizing a default would silently corrupt inference.
type MissingScaleError struct {
	Module string
}

func (e *MissingScaleError) Error() string {
	return fmt.Sprintf("repair: module %q has no %s tensor", e.Module, scaleSuffix)
}

func (e *MissingScaleError) Unwrap() error { return ErrMissingScale }

func readErr(path string, err error) error {
	return fmt.Errorf("repair: %s: %w: %w", path, ErrStorageRead, err)
}

func writeErr(path string, err error) error {
	return fmt.Errorf("repair: %s: %w: %w", path, ErrStorageWrite, err)
}
