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

// BitField is a type constraint that matches any integer type. GatewayIntent
// and GatewayCloseEventCode are both defined as BitField-compatible integer
// types, so the helpers below operate on them directly without a cast.
type BitField interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// BitFieldAdd returns a new bitfield with the specified bitmasks set.
// Each bitmask corresponds to a flag value that will be added (ORed)
// into the bitfield.
//
// Example:
//
//	intents := GatewayIntentGuilds
//	intents = BitFieldAdd(intents, GatewayIntentGuildMembers, GatewayIntentGuildMessages)
func BitFieldAdd[T BitField](bitfield T, bitmasks ...T) T {
	for _, bitmask := range bitmasks {
		bitfield |= bitmask
	}
	return bitfield
}

// BitFieldRemove returns a new bitfield with the specified bitmasks cleared.
// Each bitmask corresponds to a flag value that will be removed (AND NOTed)
// from the bitfield.
//
// Example:
//
//	intents := GatewayIntentGuilds | GatewayIntentGuildPresences
//	intents = BitFieldRemove(intents, GatewayIntentGuildPresences)
func BitFieldRemove[T BitField](bitfield T, bitmasks ...T) T {
	for _, bitmask := range bitmasks {
		bitfield &^= bitmask
	}
	return bitfield
}

// BitFieldHas reports whether the given bitfield contains all of the specified
// bitmasks. It returns true if every bitmask is fully present in the bitfield.
//
// Example:
//
//	intents := GatewayIntentGuilds | GatewayIntentGuildMessages
//
//	BitFieldHas(intents, GatewayIntentGuilds)                             // true
//	BitFieldHas(intents, GatewayIntentGuildPresences)                     // false
//	BitFieldHas(intents, GatewayIntentGuilds, GatewayIntentGuildMessages) // true
func BitFieldHas[T BitField](bitfield T, bitmasks ...T) bool {
	for _, bitmask := range bitmasks {
		if bitfield&bitmask != bitmask {
			return false
		}
	}
	return true
}

// BitFieldMissing returns a bitfield containing the subset of bitmasks
// that are not present in the given bitfield. If all specified bitmasks
// are already set, it returns zero.
//
// Example:
//
//	intents := GatewayIntentGuilds
//
//	BitFieldMissing(intents, GatewayIntentGuilds, GatewayIntentGuildMembers) // GatewayIntentGuildMembers
//	BitFieldMissing(intents, GatewayIntentGuilds)                            // 0 (nothing missing)
func BitFieldMissing[T BitField](bitfield T, bitmasks ...T) T {
	var missing T
	for _, bitmask := range bitmasks {
		if bitfield&bitmask == 0 {
			missing |= bitmask
		}
	}
	return missing
}
