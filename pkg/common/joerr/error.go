// Copyright 2024 Joinery Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package joerr

import (
	"errors"
	"fmt"
)

// Error codes. Codes are stable, messages are not.
const (
	ErrInternal         uint16 = 20101
	ErrOOM              uint16 = 20102
	ErrUnknownJoinKind  uint16 = 20103
	ErrSpillIO          uint16 = 20104
	ErrBadConfig        uint16 = 20105
	ErrOutOfRange       uint16 = 20106
	ErrQueryInterrupted uint16 = 20107
	ErrRepartitionLimit uint16 = 20108
)

var errorMsgRefer = map[uint16]string{
	ErrInternal:         "internal error: %s",
	ErrOOM:              "out of memory",
	ErrUnknownJoinKind:  "unknown join kind: %d",
	ErrSpillIO:          "spill io error on %s: %v",
	ErrBadConfig:        "invalid configuration: %s",
	ErrOutOfRange:       "overflow out of range when evaluating %s",
	ErrQueryInterrupted: "query interrupted",
	ErrRepartitionLimit: "repartitioning limit reached at level %d",
}

// Error is the error type returned by every joinery component.
type Error struct {
	code uint16
	msg  string
}

func newError(code uint16, args ...any) *Error {
	format, ok := errorMsgRefer[code]
	if !ok {
		format = "unknown error"
	}
	if len(args) == 0 {
		return &Error{code: code, msg: format}
	}
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.msg
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

// IsErrCode reports whether err is a joinery error carrying the given code.
func IsErrCode(err error, code uint16) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.code == code
	}
	return false
}

func NewInternal(msg string, args ...any) *Error {
	return newError(ErrInternal, fmt.Sprintf(msg, args...))
}

func NewOOM() *Error {
	return newError(ErrOOM)
}

func NewUnknownJoinKind(kind int) *Error {
	return newError(ErrUnknownJoinKind, kind)
}

func NewSpillIO(name string, cause error) *Error {
	return newError(ErrSpillIO, name, cause)
}

func NewBadConfig(msg string, args ...any) *Error {
	return newError(ErrBadConfig, fmt.Sprintf(msg, args...))
}

func NewOutOfRange(what string) *Error {
	return newError(ErrOutOfRange, what)
}

func NewQueryInterrupted() *Error {
	return newError(ErrQueryInterrupted)
}

func NewRepartitionLimit(level int) *Error {
	return newError(ErrRepartitionLimit, level)
}
