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

const (
	LIB_NAME    = "nextcore"
	LIB_VERSION = "0.1.0"
	LIB_REPO    = "https://github.com/nextsnake/nextcore"
)
