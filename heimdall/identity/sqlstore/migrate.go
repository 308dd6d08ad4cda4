package sqlstore

import "context"

var schema = []string{
	`create table if not exists devices (
		device_id varchar(128) not null primary key,
		user_id varchar(128) not null,
		public_key bytea not null,
		name varchar(256) not null default '',
		type varchar(64) not null default '',
		created_at timestamptz not null
	)`,
	`create table if not exists mesh_devices (
		device_id varchar(128) not null primary key,
		mesh_public_key bytea not null,
		role varchar(16) not null,
		owner_user_id varchar(128) not null,
		is_active boolean not null,
		last_seen timestamptz not null
	)`,
	`create table if not exists roles (
		role_name varchar(128) not null primary key,
		parent_role_name varchar(128) not null default '',
		description varchar(512) not null default ''
	)`,
	`create table if not exists device_roles (
		device_id varchar(128) not null,
		role_name varchar(128) not null,
		primary key (device_id, role_name)
	)`,
	`create table if not exists sessions (
		session_id varchar(128) not null primary key,
		device_id varchar(128) not null,
		user_id varchar(128) not null,
		created_at timestamptz not null,
		last_activity timestamptz not null,
		expires_at timestamptz not null,
		is_active boolean not null
	)`,
	`create table if not exists tokens (
		token_id varchar(128) not null primary key,
		device_id varchar(128) not null,
		user_id varchar(128) not null,
		token_kind varchar(16) not null,
		issued_at timestamptz not null,
		expires_at timestamptz not null,
		is_revoked boolean not null
	)`,
}

// migrate creates the identity schema (spec.md §6) if it does not already
// exist. Unlike a versioned storage/sql/migrate.go with numbered steps,
// the schema here has had no releases to migrate between yet, so a single idempotent
// create-if-not-exists pass is sufficient.
func (s *Storage) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.c.exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
