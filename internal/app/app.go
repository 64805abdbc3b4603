// Package app implements the AppManager capability: tenant
// lookup by id or key. The core only ever consumes this interface; a
// persistent-store-backed implementation (SQL/DynamoDB) lives outside this
// module. Grounded on
// original_source/src/app/factory.rs's driver-selection shape, generalized
// from a Rust trait-object factory to a small Go interface with one
// in-memory implementation — the only driver this repo ships.
package app

import "context"

// Limits bounds what a tenant may do.
type Limits struct {
	MaxConnections           int
	MaxChannelsPerConnection int
	MaxPresenceMembersPerChannel int
}

// App is the immutable tenant identity record.
type App struct {
	ID      string
	Key     string
	Secret  string
	Enabled bool
	Limits  Limits

	// RequireSignin gates whether the connection handler starts the
	// one-shot auth timeout — an app that never requires
	// pusher:signin has no reason to close idle-but-unauthenticated
	// sockets. Grounded on original_source's per-app
	// enable_user_authentication flag (timeout_management.rs).
	RequireSignin bool
}

// Manager is the AppManager capability: find_by_id, find_by_key, get_apps,
// check_health.
type Manager interface {
	FindByID(ctx context.Context, id string) (*App, bool, error)
	FindByKey(ctx context.Context, key string) (*App, bool, error)
	GetApps(ctx context.Context) ([]*App, error)
	CheckHealth(ctx context.Context) error
}
