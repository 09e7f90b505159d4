// Package auth issues and validates the bearer tokens observers present
// when attaching to a device, and defines the per-device permission model.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/pkg/device"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// tokenTTL is how long an issued token stays valid.
const tokenTTL = 24 * time.Hour

// Permission is a single-letter per-device capability.
type Permission string

const (
	// PermOwner may delete the device and do everything below.
	PermOwner Permission = "O"
	// PermManage may reset the device and update firmware.
	PermManage Permission = "M"
	// PermWrite may send commands.
	PermWrite Permission = "W"
	// PermRead may read device metadata.
	PermRead Permission = "R"
	// PermView may subscribe to the event stream.
	PermView Permission = "V"
)

// rank orders permissions by capability; higher subsumes lower.
var rank = map[Permission]int{
	PermView:   1,
	PermRead:   2,
	PermWrite:  3,
	PermManage: 4,
	PermOwner:  5,
}

// Allows reports whether p grants at least the capability of required.
func (p Permission) Allows(required Permission) bool {
	return rank[p] >= rank[required]
}

// ErrUnauthorized covers invalid, expired and missing tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the payload of an observer bearer token.
type Claims struct {
	UserID            string            `json:"user_id"`
	Email             string            `json:"email"`
	DisplayName       string            `json:"display_name"`
	DevicePermissions map[string]string `json:"device_permissions"`
	jwt.RegisteredClaims
}

// Permission returns the user's permission on a device, if any.
func (c *Claims) Permission(id device.ID) (Permission, bool) {
	p, ok := c.DevicePermissions[string(id)]
	return Permission(p), ok
}

// Can reports whether the claims grant the required permission on a device.
func (c *Claims) Can(id device.ID, required Permission) bool {
	p, ok := c.Permission(id)
	return ok && p.Allows(required)
}

// Authenticator signs and verifies tokens with a process-wide secret
// loaded once at startup.
type Authenticator struct {
	secret []byte
}

// New returns an Authenticator for the given secret.
func New(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// CreateToken issues a token embedding the user's identity and current
// device permission map.
func (a *Authenticator) CreateToken(userID, email, displayName string, devicePermissions map[string]string) (string, error) {
	if devicePermissions == nil {
		devicePermissions = map[string]string{}
	}

	claims := &Claims{
		UserID:            userID,
		Email:             email,
		DisplayName:       displayName,
		DevicePermissions: devicePermissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken verifies a bearer token and returns its claims.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// HashPassword hashes a password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword verifies a password against its stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
