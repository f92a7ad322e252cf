// Package auth models API-key credentials and per-model permissions.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrAuthentication means the credential is missing, malformed, or does
	// not match an active user.
	ErrAuthentication = errors.New("authentication required")
	// ErrAuthorization means the credential is valid but lacks the
	// permission the operation needs.
	ErrAuthorization = errors.New("permission denied")
)

type Action string

const (
	ActionAdd    Action = "add"
	ActionChange Action = "change"
	ActionDelete Action = "delete"
)

const (
	ModelApp            = "app"
	ModelClient         = "client"
	ModelClientSession  = "clientsession"
	ModelClientRequest  = "clientrequest"
	ModelServerResponse = "serverresponse"
)

var models = []string{ModelApp, ModelClient, ModelClientSession, ModelClientRequest, ModelServerResponse}

// Codename returns the permission name for action on model, e.g.
// "add_clientrequest".
func Codename(action Action, model string) string {
	return string(action) + "_" + model
}

// KnownCodename reports whether codename names a real permission.
func KnownCodename(codename string) bool {
	for _, action := range []Action{ActionAdd, ActionChange, ActionDelete} {
		for _, model := range models {
			if Codename(action, model) == codename {
				return true
			}
		}
	}
	return false
}

// Principal is an authenticated user with its granted permissions.
type Principal struct {
	UserID      int64
	Username    string
	Permissions map[string]bool
}

func (p Principal) Can(action Action, model string) bool {
	return p.Permissions[Codename(action, model)]
}

// Require returns ErrAuthorization unless p holds the permission.
func (p Principal) Require(action Action, model string) error {
	if p.Can(action, model) {
		return nil
	}
	return ErrAuthorization
}

// Credential is the parsed "ApiKey <username>:<key>" header value.
type Credential struct {
	Username string
	Key      string
}

// ParseAuthorization parses an Authorization header value.
func ParseAuthorization(header string) (Credential, error) {
	scheme, value, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "ApiKey") {
		return Credential{}, ErrAuthentication
	}

	username, key, found := strings.Cut(strings.TrimSpace(value), ":")
	username = strings.TrimSpace(username)
	key = strings.TrimSpace(key)
	if !found || username == "" || key == "" {
		return Credential{}, ErrAuthentication
	}
	return Credential{Username: username, Key: key}, nil
}

// HashKey returns the stored digest of a raw API key.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

func GenerateRawAPIKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type principalContextKey struct{}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}
