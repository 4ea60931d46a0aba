package progression

import (
	"errors"
	"fmt"
)

var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrDeserialization    = errors.New("deserialization error")
	ErrValidationFailure  = errors.New("validation failure")
	ErrRegressionDetected = errors.New("regression detected")
	ErrProbeInconclusive  = errors.New("probe inconclusive")
	ErrBackupNotFound     = errors.New("backup not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotImplemented     = errors.New("not implemented")
	ErrLocked             = errors.New("record is locked by another process")
)

type ValidationRule string

const (
	RulePositiveLevel ValidationRule = "positive_level"
	RuleFiniteXP      ValidationRule = "finite_xp"
	RuleStatWipe      ValidationRule = "stat_wipe"
	RuleRegression    ValidationRule = "regression"
)

type ValidationError struct {
	Rule   ValidationRule
	Detail string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Rule == RuleRegression {
		return fmt.Sprintf("regression detected: %s", e.Detail)
	}
	return fmt.Sprintf("validation failure (%s): %s", e.Rule, e.Detail)
}

func (e *ValidationError) Is(target error) bool {
	if target == ErrValidationFailure {
		return true
	}
	return target == ErrRegressionDetected && e.Rule == RuleRegression
}

type DeserializationError struct {
	Source BackendID
	Slot   string
	Err    error
}

func (e *DeserializationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Slot != "" {
		return fmt.Sprintf("deserialize %s/%s: %v", e.Source, e.Slot, e.Err)
	}
	return fmt.Sprintf("deserialize %s: %v", e.Source, e.Err)
}

func (e *DeserializationError) Is(target error) bool {
	return target == ErrDeserialization
}

func (e *DeserializationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SaveFailure is delivered to OnSaveFailed observers. Backend is empty when
// the write was rejected before reaching any adapter.
type SaveFailure struct {
	Backend BackendID
	Err     error
}

func (f SaveFailure) Error() string {
	if f.Backend == "" {
		return fmt.Sprintf("save rejected: %v", f.Err)
	}
	return fmt.Sprintf("save to %s failed: %v", f.Backend, f.Err)
}

func (f SaveFailure) Unwrap() error {
	return f.Err
}
