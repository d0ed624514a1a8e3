package config

import "strings"

// Environment identifies the runtime environment the connector operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// PersistenceDriver selects the registry snapshot store.
type PersistenceDriver string

const (
	// PersistenceNone disables snapshots.
	PersistenceNone PersistenceDriver = "none"
	// PersistencePebble stores snapshots in an embedded Pebble directory.
	PersistencePebble PersistenceDriver = "pebble"
	// PersistencePostgres stores snapshots in PostgreSQL.
	PersistencePostgres PersistenceDriver = "postgres"
)

// Environment variables consulted after the YAML file.
const (
	EnvAPIKey      = "HITBTC_API_KEY"
	EnvAPISecret   = "HITBTC_API_SECRET"
	EnvDatabaseURL = "ORDERLINK_DATABASE_URL"
)

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
