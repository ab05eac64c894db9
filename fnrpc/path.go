/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnrpc

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PathPrefix is the URL space the host routes to the dispatcher.
const PathPrefix = "/fn/"

// pathHashLen is 16 hex chars, 64 bits of the digest. Accidental collision
// is negligible for realistic endpoint counts and the registry still
// checks explicitly at freeze time.
const pathHashLen = 16

// DerivePath maps a function's declared package and name to its stable
// endpoint path. The readable name prefix keeps logs greppable, the hash
// keeps independently-compiled units collision-free without coordination.
func DerivePath(pkg, name string) string {
	sum := sha256.Sum256([]byte(pkg + "." + name))
	digest := hex.EncodeToString(sum[:])[:pathHashLen]
	return PathPrefix + strings.ToLower(name) + "-" + digest
}
