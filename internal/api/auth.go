/* Copyright 2025 FastPing.It
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt"

	"github.com/fastping-it/proxypool/internal/config"
)

var (
	ErrNoToken      = errors.New("no bearer token present")
	ErrInvalidToken = errors.New("token is invalid")
)

// AdminAuth guards the provisioning endpoints with short-lived HS256
// tokens minted from a shared secret.
type AdminAuth struct {
	sharedSecret  []byte
	timeTolerance int
}

func NewAdminAuth(cfg config.Admin) (*AdminAuth, error) {
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("admin.shared-secret must not be empty")
	}

	sharedSecret, err := base64.StdEncoding.DecodeString(cfg.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("admin.shared-secret must be valid base64: %s", err.Error())
	}

	if len(sharedSecret) < 12 {
		return nil, fmt.Errorf("admin.shared-secret must have at least 12 bytes (got %d)", len(sharedSecret))
	}

	timeTolerance := cfg.TokenLifetime
	if timeTolerance == 0 {
		timeTolerance = 15
	}
	if timeTolerance < 0 || timeTolerance > 120 {
		return nil, fmt.Errorf("admin.token-lifetime must be between 1 and 120 (got %d)", timeTolerance)
	}

	return &AdminAuth{
		sharedSecret:  sharedSecret,
		timeTolerance: timeTolerance,
	}, nil
}

// GenerateToken mints a token for a provisioning call.
func (a *AdminAuth) GenerateToken() (string, error) {
	claims := jwt.StandardClaims{
		ExpiresAt: time.Now().Add(time.Duration(a.timeTolerance) * time.Second).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.sharedSecret)
}

// Authenticate checks the Authorization header of an incoming request.
func (a *AdminAuth) Authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return ErrNoToken
	}

	raw := strings.TrimPrefix(header, "Bearer ")
	token, err := jwt.ParseWithClaims(raw, &jwt.StandardClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.sharedSecret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
