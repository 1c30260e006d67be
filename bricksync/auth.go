// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// metaUserID is the meta key holding the signed-in user id.
const metaUserID = "user_id"

// UserIDFromToken extracts the subject claim from a session token. The token
// is NOT verified here: authentication belongs to the session provider, this
// client only needs a stable identity to key queue rows and remote queries.
func UserIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("failed to parse session token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("session token has no subject claim")
	}
	return sub, nil
}
