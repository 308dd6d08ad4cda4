// Package memory provides an in-memory identity.Storage, for tests and for
// single-process deployments that don't need durability across restarts.
// Grounded on this codebase's storage/memory package: one mutex, plain
// maps, a tx helper closing over the critical section.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
)

var _ identity.Storage = (*Storage)(nil)

// Storage is an in-memory identity.Storage.
type Storage struct {
	mu sync.Mutex

	devices      map[string]identity.Device
	meshDevices  map[string]identity.MeshDevice
	roles        map[string]identity.Role
	deviceRoles  map[string]map[string]struct{} // deviceID -> set of role names
	sessions     map[string]identity.Session
	tokens       map[string]identity.TokenRecord
}

// New returns an empty in-memory Storage.
func New() *Storage {
	return &Storage{
		devices:     make(map[string]identity.Device),
		meshDevices: make(map[string]identity.MeshDevice),
		roles:       make(map[string]identity.Role),
		deviceRoles: make(map[string]map[string]struct{}),
		sessions:    make(map[string]identity.Session),
		tokens:      make(map[string]identity.TokenRecord),
	}
}

func (s *Storage) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *Storage) Close() error { return nil }

func (s *Storage) CreateDevice(_ context.Context, d identity.Device) (err error) {
	s.tx(func() {
		if _, ok := s.devices[d.DeviceID]; ok {
			err = identity.ErrAlreadyExists
			return
		}
		s.devices[d.DeviceID] = d
	})
	return
}

func (s *Storage) GetDevice(_ context.Context, deviceID string) (d identity.Device, err error) {
	s.tx(func() {
		var ok bool
		if d, ok = s.devices[deviceID]; !ok {
			err = identity.ErrNotFound
		}
	})
	return
}

func (s *Storage) ListDevicesByUser(_ context.Context, userID string) (out []identity.Device, err error) {
	s.tx(func() {
		for _, d := range s.devices {
			if d.UserID == userID {
				out = append(out, d)
			}
		}
	})
	return
}

func (s *Storage) CreateMeshDevice(_ context.Context, m identity.MeshDevice) (err error) {
	s.tx(func() {
		if _, ok := s.meshDevices[m.DeviceID]; ok {
			err = identity.ErrAlreadyExists
			return
		}
		s.meshDevices[m.DeviceID] = m
	})
	return
}

func (s *Storage) GetMeshDevice(_ context.Context, deviceID string) (m identity.MeshDevice, err error) {
	s.tx(func() {
		var ok bool
		if m, ok = s.meshDevices[deviceID]; !ok {
			err = identity.ErrNotFound
		}
	})
	return
}

func (s *Storage) UpdateMeshDevice(_ context.Context, deviceID string, updater func(identity.MeshDevice) (identity.MeshDevice, error)) (err error) {
	s.tx(func() {
		m, ok := s.meshDevices[deviceID]
		if !ok {
			err = identity.ErrNotFound
			return
		}
		if m, err = updater(m); err == nil {
			s.meshDevices[deviceID] = m
		}
	})
	return
}

func (s *Storage) DeleteMeshDevice(_ context.Context, deviceID string) (err error) {
	s.tx(func() {
		if _, ok := s.meshDevices[deviceID]; !ok {
			err = identity.ErrNotFound
			return
		}
		delete(s.meshDevices, deviceID)
	})
	return
}

func (s *Storage) CreateRole(_ context.Context, r identity.Role) (err error) {
	s.tx(func() {
		if _, ok := s.roles[r.Name]; ok {
			err = identity.ErrAlreadyExists
			return
		}
		s.roles[r.Name] = r
	})
	return
}

func (s *Storage) GetRole(_ context.Context, name string) (r identity.Role, err error) {
	s.tx(func() {
		var ok bool
		if r, ok = s.roles[name]; !ok {
			err = identity.ErrNotFound
		}
	})
	return
}

func (s *Storage) ListRoles(_ context.Context) (out []identity.Role, err error) {
	s.tx(func() {
		for _, r := range s.roles {
			out = append(out, r)
		}
	})
	return
}

func (s *Storage) AssignRole(_ context.Context, deviceID, roleName string) (err error) {
	s.tx(func() {
		if _, ok := s.roles[roleName]; !ok {
			err = identity.ErrNotFound
			return
		}
		set, ok := s.deviceRoles[deviceID]
		if !ok {
			set = make(map[string]struct{})
			s.deviceRoles[deviceID] = set
		}
		set[roleName] = struct{}{}
	})
	return
}

func (s *Storage) RemoveRole(_ context.Context, deviceID, roleName string) (err error) {
	s.tx(func() {
		if set, ok := s.deviceRoles[deviceID]; ok {
			delete(set, roleName)
		}
	})
	return
}

func (s *Storage) RolesOfDevice(_ context.Context, deviceID string) (out []string, err error) {
	s.tx(func() {
		for name := range s.deviceRoles[deviceID] {
			out = append(out, name)
		}
	})
	return
}

func (s *Storage) CreateSession(_ context.Context, sess identity.Session) (err error) {
	s.tx(func() {
		if _, ok := s.sessions[sess.SessionID]; ok {
			err = identity.ErrAlreadyExists
			return
		}
		s.sessions[sess.SessionID] = sess
	})
	return
}

func (s *Storage) GetSession(_ context.Context, sessionID string) (sess identity.Session, err error) {
	s.tx(func() {
		var ok bool
		if sess, ok = s.sessions[sessionID]; !ok {
			err = identity.ErrNotFound
		}
	})
	return
}

func (s *Storage) UpdateSession(_ context.Context, sessionID string, updater func(identity.Session) (identity.Session, error)) (err error) {
	s.tx(func() {
		sess, ok := s.sessions[sessionID]
		if !ok {
			err = identity.ErrNotFound
			return
		}
		if sess, err = updater(sess); err == nil {
			s.sessions[sessionID] = sess
		}
	})
	return
}

func (s *Storage) ListSessionsByDevice(_ context.Context, deviceID string) (out []identity.Session, err error) {
	s.tx(func() {
		for _, sess := range s.sessions {
			if sess.DeviceID == deviceID {
				out = append(out, sess)
			}
		}
	})
	return
}

func (s *Storage) CreateTokenRecord(_ context.Context, t identity.TokenRecord) (err error) {
	s.tx(func() {
		if _, ok := s.tokens[t.TokenID]; ok {
			err = identity.ErrAlreadyExists
			return
		}
		s.tokens[t.TokenID] = t
	})
	return
}

func (s *Storage) GetTokenRecord(_ context.Context, tokenID string) (t identity.TokenRecord, err error) {
	s.tx(func() {
		var ok bool
		if t, ok = s.tokens[tokenID]; !ok {
			err = identity.ErrNotFound
		}
	})
	return
}

func (s *Storage) UpdateTokenRecord(_ context.Context, tokenID string, updater func(identity.TokenRecord) (identity.TokenRecord, error)) (err error) {
	s.tx(func() {
		t, ok := s.tokens[tokenID]
		if !ok {
			err = identity.ErrNotFound
			return
		}
		if t, err = updater(t); err == nil {
			s.tokens[tokenID] = t
		}
	})
	return
}

func (s *Storage) ListTokenRecordsByDevice(_ context.Context, deviceID string) (out []identity.TokenRecord, err error) {
	s.tx(func() {
		for _, t := range s.tokens {
			if t.DeviceID == deviceID {
				out = append(out, t)
			}
		}
	})
	return
}

func (s *Storage) GarbageCollect(_ context.Context, now time.Time) (result identity.GCResult, err error) {
	s.tx(func() {
		for id, sess := range s.sessions {
			if now.After(sess.ExpiresAt) && !sess.IsActive {
				delete(s.sessions, id)
				result.Sessions++
			}
		}
		for id, t := range s.tokens {
			if now.After(t.ExpiresAt) && t.IsRevoked {
				delete(s.tokens, id)
				result.Tokens++
			}
		}
	})
	return
}
