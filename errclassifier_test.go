// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"context"
	"errors"
	"testing"

	"github.com/bassosimone/errclass"
	"github.com/stretchr/testify/assert"
)

// ErrClassifierFunc adapts a classification function.
func TestErrClassifierFunc(t *testing.T) {
	classifier := ErrClassifierFunc(errclass.New)

	// Should classify known errors using errclass
	result := classifier.Classify(context.DeadlineExceeded)
	assert.Equal(t, errclass.ETIMEDOUT, result)

	// Unknown errors get the generic class
	result = classifier.Classify(errors.New("some weird error"))
	assert.Equal(t, errclass.EGENERIC, result)
}

// The default classifier maps everything to the empty string.
func TestDefaultErrClassifier(t *testing.T) {
	assert.Equal(t, "", DefaultErrClassifier.Classify(errors.New("boom")))
	assert.Equal(t, "", DefaultErrClassifier.Classify(nil))
}
