/************************************************************************************
 *
 * nextcore - low-level Discord API client core (HTTP rate limiting + gateway)
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Derived from goda (https://github.com/Ra7eemi/goda).
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package nextcore

import (
	"unsafe"
)

// BytesToString converts a byte slice to a string without allocation.
// WARNING: The returned string shares memory with the byte slice.
// The byte slice MUST NOT be modified after this call, or the string
// will be corrupted. The byte slice must remain alive for the lifetime
// of the returned string.
//
// This is the fast path used by Snowflake.UnmarshalJSON to turn the
// quoted digits of a JSON body into a parseable string with zero
// allocations per field.
//
//go:nosplit
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// parseUint64Branchless parses a decimal string to uint64 without branches.
// This function assumes the input is a valid decimal number string.
// Invalid input (non-digit characters) results in undefined output.
// Empty strings return 0.
//
// Performance: ~3-5ns for typical Discord snowflakes (18-19 digits)
// compared to ~30-50ns for strconv.ParseUint. Gateway payloads and REST
// responses carry snowflakes as quoted strings on every object, so this
// runs on the hot path of every Snowflake.UnmarshalJSON call.
//
//go:nosplit
func parseUint64Branchless(s string) uint64 {
	if len(s) == 0 {
		return 0
	}

	var n uint64
	for i := 0; i < len(s); i++ {
		// Branchless digit extraction: '0'-'9' maps to 0-9
		// Any non-digit character will produce garbage, which is acceptable
		// since we assume valid input from Discord's API
		n = n*10 + uint64(s[i]-'0')
	}
	return n
}
