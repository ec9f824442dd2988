// ABOUTME: This file builds synthetic development tokens for offline work
// ABOUTME: Dev tokens are JWT-shaped, locally minted, and never sent to the backend

package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"auth-token-manager/models"
)

const (
	devTokenLifetimeSeconds = 86400
	devTokenIssuer          = "app-dev"
	devTokenSignature       = "dev-signature"
)

// buildDevToken mints a JWT-shaped token for development environments where
// no attestation bridge or backend is reachable. The token carries a fixed
// placeholder signature and is only ever honored by dev backends that skip
// signature verification.
func buildDevToken(metadata models.TokenRequestMetadata) (*models.AuthToken, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"sub":       metadata.DeviceID,
		"device_id": metadata.DeviceID,
		"platform":  metadata.Platform,
		"iss":       devTokenIssuer,
		"iat":       now.Unix(),
		"exp":       now.Unix() + devTokenLifetimeSeconds,
		"dev":       true,
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SigningString()
	if err != nil {
		return nil, fmt.Errorf("failed to build dev token: %w", err)
	}

	return models.NewAuthToken(unsigned+"."+devTokenSignature, devTokenLifetimeSeconds), nil
}
