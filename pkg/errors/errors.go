// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeEventInvalidInput      Code = "store.event.invalid_input"
	CodeEventNotFound          Code = "store.event.not_found"
	CodeQueryInvalidResultType Code = "store.query.invalid_result_type"
	CodeQueryInvalidLimit      Code = "store.query.invalid_limit"
	CodeStoreDatabaseFailure   Code = "store.database.failure"
	CodeStoreDatabaseBusy      Code = "store.database.busy"
	CodeStoreCorrupt           Code = "store.database.corrupt"
	CodeStoreMigrationFailure  Code = "store.migration.failure"

	CodeIndexCorrupt       Code = "fts.index.corrupt"
	CodeIndexWriteFailure  Code = "fts.index.write.failure"
	CodeIndexSearchFailure Code = "fts.index.search.failure"
	CodeIndexClosed        Code = "fts.index.closed"

	CodeMonitorNotFound  Code = "monitor.registration.not_found"
	CodeMonitorDuplicate Code = "monitor.registration.conflict"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeCLIInputInvalid   Code = "cli.input.invalid"
	CodeCLISetupFailure   Code = "cli.setup.failure"
	CodeCLIRequestFailure Code = "cli.request.failure"

	CodeInternalFailure Code = "engine.internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldEventID(id uint32) Attr {
	return Field("event_id", id)
}

func FieldSender(value string) Attr {
	return Field("sender", value)
}

func FieldMonitorKey(value string) Attr {
	return Field("monitor_key", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" ||
		r == "invalid_result_type" || r == "invalid_limit"
}

// IsCorrupt reports whether the error marks an unrecoverable store or a
// rebuildable index.
func IsCorrupt(err error) bool {
	return reason(CodeOf(err)) == "corrupt"
}

func IsTransient(err error) bool {
	return reason(CodeOf(err)) == "busy"
}

func Join(errs ...error) error {
	return oops.Code(CodeInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
