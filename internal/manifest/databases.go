package manifest

import (
	"sort"

	"github.com/narvanalabs/stackpilot/internal/models"
)

// Engine describes how a database type is run.
type Engine struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	Image       string `json:"image"`
	DataPath    string `json:"data_path"`
	DefaultPort int    `json:"default_port"`
	// NoFile is the nofile ulimit required by the image, 0 when none.
	NoFile int                                  `json:"-"`
	Env    func(db *models.Database) map[string]string `json:"-"`
}

// Engines contains every supported database type.
var Engines = map[string]Engine{
	"mongodb": {
		Type:        "mongodb",
		DisplayName: "MongoDB",
		Image:       "bitnami/mongodb:4.4",
		DataPath:    "/bitnami/mongodb",
		DefaultPort: 27017,
		Env: func(db *models.Database) map[string]string {
			return map[string]string{
				"MONGODB_ROOT_PASSWORD": db.Passwords[0],
				"MONGODB_USERNAME":      db.Usernames[0],
				"MONGODB_PASSWORD":      db.Passwords[1],
				"MONGODB_DATABASE":      db.DefaultDatabaseName,
			}
		},
	},
	"postgresql": {
		Type:        "postgresql",
		DisplayName: "PostgreSQL",
		Image:       "bitnami/postgresql:13.2.0",
		DataPath:    "/bitnami/postgresql",
		DefaultPort: 5432,
		Env: func(db *models.Database) map[string]string {
			return map[string]string{
				"POSTGRESQL_PASSWORD": db.Passwords[0],
				"POSTGRESQL_USERNAME": db.Usernames[0],
				"POSTGRESQL_DATABASE": db.DefaultDatabaseName,
			}
		},
	},
	"couchdb": {
		Type:        "couchdb",
		DisplayName: "CouchDB",
		Image:       "bitnami/couchdb:3",
		DataPath:    "/bitnami/couchdb",
		DefaultPort: 5984,
		Env: func(db *models.Database) map[string]string {
			return map[string]string{
				"COUCHDB_PASSWORD": db.Passwords[0],
				"COUCHDB_USER":     db.Usernames[0],
			}
		},
	},
	"mysql": {
		Type:        "mysql",
		DisplayName: "MySQL",
		Image:       "bitnami/mysql:8.0",
		DataPath:    "/bitnami/mysql/data",
		DefaultPort: 3306,
		Env: func(db *models.Database) map[string]string {
			return map[string]string{
				"MYSQL_ROOT_PASSWORD": db.Passwords[0],
				"MYSQL_ROOT_USER":     db.Usernames[0],
				"MYSQL_USER":          db.Usernames[1],
				"MYSQL_PASSWORD":      db.Passwords[1],
				"MYSQL_DATABASE":      db.DefaultDatabaseName,
			}
		},
	},
	"clickhouse": {
		Type:        "clickhouse",
		DisplayName: "ClickHouse",
		Image:       "yandex/clickhouse-server",
		DataPath:    "/var/lib/clickhouse",
		DefaultPort: 8123,
		NoFile:      262144,
		Env:         func(*models.Database) map[string]string { return nil },
	},
	"redis": {
		Type:        "redis",
		DisplayName: "Redis",
		Image:       "bitnami/redis",
		DataPath:    "/bitnami/redis/data",
		DefaultPort: 6379,
		Env: func(db *models.Database) map[string]string {
			return map[string]string{"REDIS_PASSWORD": db.Passwords[0]}
		},
	},
}

// EngineTypes returns the supported database types in sorted order.
func EngineTypes() []string {
	types := make([]string, 0, len(Engines))
	for t := range Engines {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
