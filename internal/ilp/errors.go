// Copyright 2026 Meshpay Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ilp

// ILP error codes. The first letter is the category: F = final (do not
// retry), T = transient (retry safe), R = relative-time/expiry.
const (
	CodeInvalidPacket         = "F01"
	CodeUnreachable           = "F02"
	CodeInvalidAmount         = "F03"
	CodeWrongCondition        = "F05"
	CodeFinalApplicationError = "F99"
	CodeInternalError         = "T00"
	CodePeerUnreachable       = "T01"
	CodeInsufficientLiquidity = "T04"
	CodeApplicationError      = "T99"
	CodeTransferTimedOut      = "R00"
)

// ErrorCategory classifies a three-character ILP error code by its leading
// letter. Unknown categories are reported as final.
type ErrorCategory int

const (
	ErrorCategoryFinal ErrorCategory = iota
	ErrorCategoryTransient
	ErrorCategoryRelative
)

// CategoryForCode returns the error category for an ILP error code
func CategoryForCode(code string) ErrorCategory {
	if len(code) == 0 {
		return ErrorCategoryFinal
	}
	switch code[0] {
	case 'T':
		return ErrorCategoryTransient
	case 'R':
		return ErrorCategoryRelative
	default:
		return ErrorCategoryFinal
	}
}

// validErrorCode reports whether code has the required shape: a category
// letter followed by exactly two digits
func validErrorCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	switch code[0] {
	case 'F', 'T', 'R':
	default:
		return false
	}
	for _, c := range code[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// NewReject builds a Reject packet for the given error code
func NewReject(code string, triggeredBy Address, message string) *Reject {
	return &Reject{
		Code:        code,
		TriggeredBy: triggeredBy,
		Message:     message,
	}
}
