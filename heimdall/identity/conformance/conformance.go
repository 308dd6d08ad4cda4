// Package conformance runs one behavioral test suite against any
// identity.Storage implementation, grounded on this codebase's
// storage/conformance package (RunTests(t, newStorage) iterating a table of subtests, each
// against a freshly constructed backend).
package conformance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
)

type subTest struct {
	name string
	run  func(t *testing.T, s identity.Storage)
}

var subTests = []subTest{
	{"CreateGetDevice", testCreateGetDevice},
	{"CreateDeviceTwiceFails", testCreateDeviceTwiceFails},
	{"MeshDeviceLifecycle", testMeshDeviceLifecycle},
	{"RoleAssignment", testRoleAssignment},
	{"SessionLifecycle", testSessionLifecycle},
	{"TokenRecordLifecycle", testTokenRecordLifecycle},
	{"GarbageCollect", testGarbageCollect},
}

// RunTests runs every conformance subtest against a freshly constructed
// storage backend, closing it afterward.
func RunTests(t *testing.T, newStorage func() identity.Storage) {
	for _, st := range subTests {
		t.Run(st.name, func(t *testing.T) {
			s := newStorage()
			defer s.Close()
			st.run(t, s)
		})
	}
}

func testCreateGetDevice(t *testing.T, s identity.Storage) {
	ctx := context.Background()
	d := identity.Device{DeviceID: "dev-1", UserID: "user-1", PublicKey: []byte("pub"), CreatedAt: time.Now().UTC()}
	if err := s.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	got, err := s.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.UserID != "user-1" {
		t.Fatalf("got UserID %q, want user-1", got.UserID)
	}

	if _, err := s.GetDevice(ctx, "missing"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("GetDevice(missing) = %v, want ErrNotFound", err)
	}
}

func testCreateDeviceTwiceFails(t *testing.T, s identity.Storage) {
	ctx := context.Background()
	d := identity.Device{DeviceID: "dev-1", UserID: "user-1"}
	if err := s.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if err := s.CreateDevice(ctx, d); !errors.Is(err, identity.ErrAlreadyExists) {
		t.Fatalf("second CreateDevice = %v, want ErrAlreadyExists", err)
	}
}

func testMeshDeviceLifecycle(t *testing.T, s identity.Storage) {
	ctx := context.Background()
	m := identity.MeshDevice{DeviceID: "dev-1", Role: identity.RoleUser, OwnerUserID: "user-1", IsActive: false}
	if err := s.CreateMeshDevice(ctx, m); err != nil {
		t.Fatalf("CreateMeshDevice: %v", err)
	}

	err := s.UpdateMeshDevice(ctx, "dev-1", func(old identity.MeshDevice) (identity.MeshDevice, error) {
		old.IsActive = true
		old.Role = identity.RoleAdmin
		return old, nil
	})
	if err != nil {
		t.Fatalf("UpdateMeshDevice: %v", err)
	}

	got, err := s.GetMeshDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetMeshDevice: %v", err)
	}
	if !got.IsActive || got.Role != identity.RoleAdmin {
		t.Fatalf("got %+v, want active admin", got)
	}

	if err := s.DeleteMeshDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("DeleteMeshDevice: %v", err)
	}
	if _, err := s.GetMeshDevice(ctx, "dev-1"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("GetMeshDevice after delete = %v, want ErrNotFound", err)
	}
}

func testRoleAssignment(t *testing.T, s identity.Storage) {
	ctx := context.Background()
	if err := s.CreateRole(ctx, identity.Role{Name: "admin"}); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := s.AssignRole(ctx, "dev-1", "admin"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := s.AssignRole(ctx, "dev-1", "admin"); err != nil {
		t.Fatalf("AssignRole (idempotent second call): %v", err)
	}

	roles, err := s.RolesOfDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("RolesOfDevice: %v", err)
	}
	if len(roles) != 1 || roles[0] != "admin" {
		t.Fatalf("got %v, want [admin]", roles)
	}

	if err := s.RemoveRole(ctx, "dev-1", "admin"); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	roles, err = s.RolesOfDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("RolesOfDevice after remove: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("got %v, want none", roles)
	}
}

func testSessionLifecycle(t *testing.T, s identity.Storage) {
	ctx := context.Background()
	now := time.Now().UTC()
	sess := identity.Session{
		SessionID: "sess-1", DeviceID: "dev-1", UserID: "user-1",
		CreatedAt: now, LastActivity: now, ExpiresAt: now.Add(time.Hour), IsActive: true,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	err := s.UpdateSession(ctx, "sess-1", func(old identity.Session) (identity.Session, error) {
		old.IsActive = false
		return old, nil
	})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.IsActive {
		t.Fatalf("expected session to be inactive")
	}

	byDevice, err := s.ListSessionsByDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("ListSessionsByDevice: %v", err)
	}
	if len(byDevice) != 1 {
		t.Fatalf("got %d sessions, want 1", len(byDevice))
	}
}

func testTokenRecordLifecycle(t *testing.T, s identity.Storage) {
	ctx := context.Background()
	now := time.Now().UTC()
	tok := identity.TokenRecord{
		TokenID: "tok-1", DeviceID: "dev-1", UserID: "user-1",
		Kind: identity.TokenKindHeimdall, IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := s.CreateTokenRecord(ctx, tok); err != nil {
		t.Fatalf("CreateTokenRecord: %v", err)
	}

	err := s.UpdateTokenRecord(ctx, "tok-1", func(old identity.TokenRecord) (identity.TokenRecord, error) {
		old.IsRevoked = true
		return old, nil
	})
	if err != nil {
		t.Fatalf("UpdateTokenRecord: %v", err)
	}

	got, err := s.GetTokenRecord(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetTokenRecord: %v", err)
	}
	if !got.IsRevoked {
		t.Fatalf("expected token to be revoked")
	}

	byDevice, err := s.ListTokenRecordsByDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("ListTokenRecordsByDevice: %v", err)
	}
	if len(byDevice) != 1 {
		t.Fatalf("got %d tokens, want 1", len(byDevice))
	}
}

func testGarbageCollect(t *testing.T, s identity.Storage) {
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	if err := s.CreateSession(ctx, identity.Session{SessionID: "old", DeviceID: "dev-1", ExpiresAt: past, IsActive: false}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateTokenRecord(ctx, identity.TokenRecord{TokenID: "old", DeviceID: "dev-1", ExpiresAt: past, IsRevoked: true}); err != nil {
		t.Fatalf("CreateTokenRecord: %v", err)
	}

	result, err := s.GarbageCollect(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	if result.Sessions != 1 || result.Tokens != 1 {
		t.Fatalf("got %+v, want one session and one token collected", result)
	}

	if _, err := s.GetSession(ctx, "old"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expired session should be gone")
	}
}
