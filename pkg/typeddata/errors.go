package typeddata

import (
	"errors"
	"strings"

	"go.uber.org/multierr"

	"comments-relay/pkg/errcode"
)

// Violation 单条约束违反
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (v Violation) Error() string {
	return v.Field + ": " + v.Reason
}

// ValidationError 汇总一次构建中的全部违反项
type ValidationError struct {
	Kind       Kind
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Error())
	}
	return "invalid " + string(e.Kind) + ": " + strings.Join(parts, "; ")
}

// Has 是否包含指定字段的违反项
func (e *ValidationError) Has(field string) bool {
	for _, v := range e.Violations {
		if v.Field == field {
			return true
		}
	}
	return false
}

// AsValidationError 从错误链中提取 ValidationError
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}

// violations 累积违反项，不会在第一条时返回
type violations struct {
	err error
}

func (v *violations) add(field, reason string) {
	v.err = multierr.Append(v.err, Violation{Field: field, Reason: reason})
}

func (v *violations) result(kind Kind) error {
	if v.err == nil {
		return nil
	}
	errs := multierr.Errors(v.err)
	out := &ValidationError{Kind: kind, Violations: make([]Violation, 0, len(errs))}
	for _, e := range errs {
		var vi Violation
		if errors.As(e, &vi) {
			out.Violations = append(out.Violations, vi)
		}
	}
	return errcode.Wrap(errcode.KindValidation, "invalid_operation", "", out)
}
