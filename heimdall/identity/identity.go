// Package identity persists the schema spec.md §6 calls the "identity
// schema": devices, their mesh bindings, roles, role assignments, sessions,
// and token records. It is the shared data-access layer beneath
// heimdall/mesh, heimdall/roles, and heimdall/session, mirroring this
// codebase's storage package: one interface, a memory backend for tests, and a SQL
// backend for production (heimdall/identity/sqlstore).
package identity

import (
	"context"
	"encoding/base32"
	"errors"
	"strings"
	"time"

	"github.com/heimdallr-mesh/fabric/pkg/crypto"
)

var (
	// ErrNotFound is returned when a lookup by id finds nothing.
	ErrNotFound = errors.New("identity: not found")
	// ErrAlreadyExists is returned by a Create when the id is already taken.
	ErrAlreadyExists = errors.New("identity: already exists")
)

var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

// NewID returns a random, URL-safe, lowercase identifier, the same shape
// a storage.NewID helper produces (base32 over 16 random bytes, leading
// character forced to a letter so ids never look numeric).
func NewID() string {
	buf, err := crypto.RandBytes(16)
	if err != nil {
		panic(err)
	}
	return string(buf[0]%26+'a') + strings.TrimRight(idEncoding.EncodeToString(buf[1:]), "=")
}

// Device is a stable identity: a device_id, its owning user, and its
// long-term public key (spec.md §3 "Device"). Devices are never deleted;
// mesh membership is revoked instead by deactivating the MeshDevice.
type Device struct {
	DeviceID  string
	UserID    string
	PublicKey []byte
	Name      string
	Type      string
	CreatedAt time.Time
}

// MeshRole is the role a device holds within its owner's mesh.
type MeshRole string

const (
	RoleAdmin MeshRole = "admin"
	RoleUser  MeshRole = "user"
	RoleGuest MeshRole = "guest"
)

// MeshDevice binds a Device into its owner's mesh (spec.md §3 "MeshDevice",
// §4.6 state machine). Exactly one MeshDevice exists per device.
type MeshDevice struct {
	DeviceID      string
	MeshPublicKey []byte
	Role          MeshRole
	OwnerUserID   string
	IsActive      bool
	LastSeen      time.Time
}

// Role is a named permission set with optional single-parent inheritance
// (spec.md §3 "Role", §4.5). ParentName is empty for roots.
type Role struct {
	Name        string
	ParentName  string
	Description string
}

// Session is a device/user login session (spec.md §3 "Session").
type Session struct {
	SessionID    string
	DeviceID     string
	UserID       string
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
	IsActive     bool
}

// TokenKind mirrors tokencodec.Kind without importing it, so this package
// has no dependency on the signing layer — it only tracks lifecycle.
type TokenKind string

const (
	TokenKindHeimdall TokenKind = "heimdall"
	TokenKindSession  TokenKind = "session"
	TokenKindRefresh  TokenKind = "refresh"
	TokenKindMesh     TokenKind = "mesh"
)

// TokenRecord tracks a token's lifecycle; the raw token itself is never
// stored (spec.md §3 "TokenRecord").
type TokenRecord struct {
	TokenID   string
	DeviceID  string
	UserID    string
	Kind      TokenKind
	IssuedAt  time.Time
	ExpiresAt time.Time
	IsRevoked bool
}

// GCResult reports what GarbageCollect removed.
type GCResult struct {
	Sessions int64
	Tokens   int64
}

// Storage is the identity persistence contract. All writes are
// single-statement or transactional; Update* methods take an updater
// function applied within a transaction, the same shape as a typical
// storage.Storage Update method, so callers mutate existing fields rather
// than constructing a new record that might drop a field added later.
type Storage interface {
	Close() error

	CreateDevice(ctx context.Context, d Device) error
	GetDevice(ctx context.Context, deviceID string) (Device, error)
	ListDevicesByUser(ctx context.Context, userID string) ([]Device, error)

	CreateMeshDevice(ctx context.Context, m MeshDevice) error
	GetMeshDevice(ctx context.Context, deviceID string) (MeshDevice, error)
	UpdateMeshDevice(ctx context.Context, deviceID string, updater func(MeshDevice) (MeshDevice, error)) error
	DeleteMeshDevice(ctx context.Context, deviceID string) error

	CreateRole(ctx context.Context, r Role) error
	GetRole(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)

	AssignRole(ctx context.Context, deviceID, roleName string) error
	RemoveRole(ctx context.Context, deviceID, roleName string) error
	RolesOfDevice(ctx context.Context, deviceID string) ([]string, error)

	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	UpdateSession(ctx context.Context, sessionID string, updater func(Session) (Session, error)) error
	ListSessionsByDevice(ctx context.Context, deviceID string) ([]Session, error)

	CreateTokenRecord(ctx context.Context, t TokenRecord) error
	GetTokenRecord(ctx context.Context, tokenID string) (TokenRecord, error)
	UpdateTokenRecord(ctx context.Context, tokenID string, updater func(TokenRecord) (TokenRecord, error)) error
	ListTokenRecordsByDevice(ctx context.Context, deviceID string) ([]TokenRecord, error)

	// GarbageCollect deletes sessions that expired before now and are no
	// longer active, and token records that expired before now and are
	// revoked; expired sessions still marked active and expired tokens not
	// revoked are kept. It is the identity-repository analogue of a
	// storage.Storage.GarbageCollect method.
	GarbageCollect(ctx context.Context, now time.Time) (GCResult, error)
}
