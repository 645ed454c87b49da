/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errs defines the typed error kinds adapters translate failures
// into before they reach the reconciler, per the error handling design.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error classification.
type Kind string

const (
	LockContended      Kind = "LockContended"
	MetricsUnavailable Kind = "MetricsUnavailable"
	QuotaExceeded      Kind = "QuotaExceeded"
	SpotUnavailable    Kind = "SpotUnavailable"
	JoinTimeout        Kind = "JoinTimeout"
	DrainTimeout       Kind = "DrainTimeout"
	StateConflict      Kind = "StateConflict"
	TransportError     Kind = "TransportError"
)

// Error is a typed error carrying a Kind alongside the wrapped cause.
type Error struct {
	Kind  Kind
	Cause error
}

func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind == kind
}

// KindOf extracts the Kind from err, if any, and whether one was found.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if !errors.As(err, &te) {
		return "", false
	}
	return te.Kind, true
}
