// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

func TestNewIncludesCodeAndFields(t *testing.T) {
	err := vestigeerr.New(
		vestigeerr.CodeEventInvalidInput,
		"event has no subjects",
		vestigeerr.FieldSender("cli:test"),
		vestigeerr.Field("timestamp", int64(1000)),
	)

	require.Error(t, err)
	assert.Equal(t, vestigeerr.CodeEventInvalidInput, vestigeerr.CodeOf(err))
	assert.True(t, vestigeerr.HasCode(err, vestigeerr.CodeEventInvalidInput))

	fields := vestigeerr.FieldsOf(err)
	assert.Equal(t, "cli:test", fields["sender"])
	assert.Equal(t, int64(1000), fields["timestamp"])
}

func TestErrorfWrapsInnerError(t *testing.T) {
	inner := stderrors.New("disk I/O error")
	err := vestigeerr.Errorf(vestigeerr.CodeStoreDatabaseFailure, "committing batch: %w", inner)
	require.Error(t, err)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, vestigeerr.CodeStoreDatabaseFailure, vestigeerr.CodeOf(err))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, vestigeerr.Wrap(nil, vestigeerr.CodeStoreDatabaseFailure, "ignored"))
	assert.NoError(t, vestigeerr.Wrapf(nil, vestigeerr.CodeStoreDatabaseFailure, "ignored %d", 1))
	assert.NoError(t, vestigeerr.With(nil))
}

func TestReasonClassifiers(t *testing.T) {
	assert.True(t, vestigeerr.IsNotFound(vestigeerr.New(vestigeerr.CodeEventNotFound, "no event")))
	assert.True(t, vestigeerr.IsNotFound(vestigeerr.New(vestigeerr.CodeMonitorNotFound, "no monitor")))
	assert.True(t, vestigeerr.IsInvalidInput(vestigeerr.New(vestigeerr.CodeQueryInvalidResultType, "bad tag")))
	assert.True(t, vestigeerr.IsInvalidInput(vestigeerr.New(vestigeerr.CodeQueryInvalidLimit, "negative limit")))
	assert.True(t, vestigeerr.IsCorrupt(vestigeerr.New(vestigeerr.CodeStoreCorrupt, "unreadable db")))
	assert.True(t, vestigeerr.IsCorrupt(vestigeerr.New(vestigeerr.CodeIndexCorrupt, "bad index")))
	assert.True(t, vestigeerr.IsTransient(vestigeerr.New(vestigeerr.CodeStoreDatabaseBusy, "locked")))

	assert.False(t, vestigeerr.IsNotFound(nil))
	assert.False(t, vestigeerr.IsCorrupt(stderrors.New("plain")))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, vestigeerr.Code(""), vestigeerr.CodeOf(stderrors.New("plain")))
	assert.Equal(t, vestigeerr.Code(""), vestigeerr.CodeOf(nil))
}

func TestWithPreservesCode(t *testing.T) {
	err := vestigeerr.New(vestigeerr.CodeIndexWriteFailure, "flush failed")
	err = vestigeerr.With(err, vestigeerr.FieldEventID(42))

	assert.Equal(t, vestigeerr.CodeIndexWriteFailure, vestigeerr.CodeOf(err))
	assert.Equal(t, uint32(42), vestigeerr.FieldsOf(err)["event_id"])
}
