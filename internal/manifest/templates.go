package manifest

import (
	"fmt"
	"path/filepath"
	"sort"
)

// SecretSpec is a credential generated once per template deploy.
type SecretSpec struct {
	Key      string
	Length   int
	Username bool
}

// Template is a bundled third-party application stack.
type Template struct {
	Name             string
	DisplayName      string
	Port             int
	RequiredSettings []string
	Secrets          []SecretSpec
	// InstancePrefix makes every deploy a new named instance instead of a singleton.
	InstancePrefix string
	// Build adds sub-services to stack, keyed so the primary one is named in.name,
	// and returns auxiliary files to write into in.workdir.
	Build func(in templateInput, stack *Stack) map[string]string
}

type templateInput struct {
	name     string
	host     string
	network  string
	workdir  string
	settings map[string]string
	secrets  map[string]string
}

func (in templateInput) volume(stack *Stack, suffix, mount string) string {
	name := in.name + "-" + suffix
	if stack.Volumes == nil {
		stack.Volumes = map[string]External{}
	}
	stack.Volumes[name] = External{External: true}
	return name + ":" + mount
}

// Templates contains every bundled service template.
var Templates = map[string]Template{
	"plausible": {
		Name:             "plausible",
		DisplayName:      "Plausible Analytics",
		Port:             8000,
		RequiredSettings: []string{"email", "userName", "userPassword"},
		Secrets: []SecretSpec{
			{Key: "SECRET_KEY_BASE", Length: 64},
			{Key: "POSTGRESQL_PASSWORD", Length: 24},
			{Key: "POSTGRESQL_USERNAME", Length: 10, Username: true},
		},
		Build: buildPlausible,
	},
	"code-server": {
		Name:        "code-server",
		DisplayName: "VSCode Server",
		Port:        8080,
		Build: func(in templateInput, stack *Stack) map[string]string {
			stack.Services[in.name] = &Service{
				Image:   "codercom/code-server",
				Command: "code-server --disable-telemetry",
				Volumes: []string{in.volume(stack, "code-server-data", "/home/coder")},
			}
			return nil
		},
	},
	"minio": {
		Name:        "minio",
		DisplayName: "MinIO",
		Port:        9000,
		Secrets: []SecretSpec{
			{Key: "MINIO_ROOT_USER", Length: 12},
			{Key: "MINIO_ROOT_PASSWORD", Length: 24},
		},
		Build: func(in templateInput, stack *Stack) map[string]string {
			stack.Services[in.name] = &Service{
				Image:   "minio/minio",
				Command: "server /data",
				Environment: map[string]string{
					"MINIO_ROOT_USER":     in.secrets["MINIO_ROOT_USER"],
					"MINIO_ROOT_PASSWORD": in.secrets["MINIO_ROOT_PASSWORD"],
				},
				Volumes: []string{in.volume(stack, "minio-data", "/data")},
			}
			return nil
		},
	},
	"nocodb": {
		Name:        "nocodb",
		DisplayName: "NocoDB",
		Port:        8080,
		Build: func(in templateInput, stack *Stack) map[string]string {
			stack.Services[in.name] = &Service{Image: "nocodb/nocodb"}
			return nil
		},
	},
	"wordpress": {
		Name:           "wordpress",
		DisplayName:    "WordPress",
		Port:           80,
		InstancePrefix: "wp-",
		Secrets: []SecretSpec{
			{Key: "WORDPRESS_DB_NAME", Length: 12, Username: true},
			{Key: "WORDPRESS_DB_USER", Length: 12, Username: true},
			{Key: "WORDPRESS_DB_PASSWORD", Length: 24},
			{Key: "MYSQL_ROOT_USER", Length: 12, Username: true},
			{Key: "MYSQL_ROOT_PASSWORD", Length: 24},
		},
		Build: buildWordpress,
	},
}

// TemplateNames returns the bundled template names in sorted order.
func TemplateNames() []string {
	names := make([]string, 0, len(Templates))
	for n := range Templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

const clickhouseConfigXML = `<yandex>
  <logger>
    <level>warning</level>
    <console>true</console>
  </logger>
  <query_thread_log remove="remove"/>
  <query_log remove="remove"/>
  <text_log remove="remove"/>
  <trace_log remove="remove"/>
  <metric_log remove="remove"/>
  <asynchronous_metric_log remove="remove"/>
</yandex>
`

const clickhouseUserConfigXML = `<yandex>
  <profiles>
    <default>
      <log_queries>0</log_queries>
      <log_query_threads>0</log_query_threads>
    </default>
  </profiles>
</yandex>
`

func buildPlausible(in templateInput, stack *Stack) map[string]string {
	dbName := in.name + "_db"
	eventsName := in.name + "_events_db"
	pgUser, pgPass := in.secrets["POSTGRESQL_USERNAME"], in.secrets["POSTGRESQL_PASSWORD"]

	stack.Services[in.name] = &Service{
		Image:   "plausible/analytics:latest",
		Command: `sh -c "sleep 10 && /entrypoint.sh db createdb && /entrypoint.sh db migrate && /entrypoint.sh db init-admin && /entrypoint.sh run"`,
		Environment: map[string]string{
			"ADMIN_USER_EMAIL":        in.settings["email"],
			"ADMIN_USER_NAME":         in.settings["userName"],
			"ADMIN_USER_PWD":          in.settings["userPassword"],
			"BASE_URL":                "https://" + in.host,
			"SECRET_KEY_BASE":         in.secrets["SECRET_KEY_BASE"],
			"DISABLE_AUTH":            "false",
			"DISABLE_REGISTRATION":    "true",
			"DATABASE_URL":            fmt.Sprintf("postgresql://%s:%s@%s:5432/plausible", pgUser, pgPass, dbName),
			"CLICKHOUSE_DATABASE_URL": fmt.Sprintf("http://%s:8123/plausible", eventsName),
		},
	}
	stack.Services[dbName] = &Service{
		Image: "bitnami/postgresql:13.2.0",
		Environment: map[string]string{
			"POSTGRESQL_PASSWORD": pgPass,
			"POSTGRESQL_USERNAME": pgUser,
			"POSTGRESQL_DATABASE": "plausible",
		},
		Volumes: []string{in.volume(stack, "postgres-data", "/bitnami/postgresql")},
	}

	files := map[string]string{
		"clickhouse-config.xml":      clickhouseConfigXML,
		"clickhouse-user-config.xml": clickhouseUserConfigXML,
		"init.query":                 "CREATE DATABASE IF NOT EXISTS plausible;\n",
		"init-db.sh":                 "clickhouse client --queries-file /docker-entrypoint-initdb.d/init.query\n",
	}
	mounts := []struct{ config, file, target string }{
		{"plausible-clickhouse-user-config.xml", "clickhouse-user-config.xml", "/etc/clickhouse-server/users.d/logging.xml"},
		{"plausible-clickhouse-config.xml", "clickhouse-config.xml", "/etc/clickhouse-server/config.d/logging.xml"},
		{"plausible-init.query", "init.query", "/docker-entrypoint-initdb.d/init.query"},
		{"plausible-init-db.sh", "init-db.sh", "/docker-entrypoint-initdb.d/init-db.sh"},
	}
	stack.Configs = map[string]ConfigFile{}
	events := &Service{
		Image:   "yandex/clickhouse-server:21.3.2.5",
		Volumes: []string{in.volume(stack, "clickhouse-data", "/var/lib/clickhouse")},
		Ulimits: map[string]Ulimit{"nofile": {Soft: 262144, Hard: 262144}},
	}
	for _, m := range mounts {
		stack.Configs[m.config] = ConfigFile{File: filepath.Join(in.workdir, m.file)}
		events.Configs = append(events.Configs, ConfigMount{Source: m.config, Target: m.target})
	}
	stack.Services[eventsName] = events
	return files
}

func buildWordpress(in templateInput, stack *Stack) map[string]string {
	env := map[string]string{}
	if in.settings["remoteDB"] == "true" {
		env["WORDPRESS_DB_HOST"] = in.settings["dbHost"]
		env["WORDPRESS_DB_USER"] = in.settings["dbUser"]
		env["WORDPRESS_DB_PASSWORD"] = in.settings["dbPassword"]
		env["WORDPRESS_DB_NAME"] = in.settings["dbName"]
		env["WORDPRESS_TABLE_PREFIX"] = in.settings["tablePrefix"]
	} else {
		mysql := in.name + "-mysql"
		env["WORDPRESS_DB_HOST"] = mysql
		env["WORDPRESS_DB_USER"] = in.secrets["WORDPRESS_DB_USER"]
		env["WORDPRESS_DB_PASSWORD"] = in.secrets["WORDPRESS_DB_PASSWORD"]
		env["WORDPRESS_DB_NAME"] = in.secrets["WORDPRESS_DB_NAME"]
		stack.Services[mysql] = &Service{
			Image: "bitnami/mysql:8.0",
			Environment: map[string]string{
				"MYSQL_ROOT_PASSWORD": in.secrets["MYSQL_ROOT_PASSWORD"],
				"MYSQL_ROOT_USER":     in.secrets["MYSQL_ROOT_USER"],
				"MYSQL_USER":          in.secrets["WORDPRESS_DB_USER"],
				"MYSQL_PASSWORD":      in.secrets["WORDPRESS_DB_PASSWORD"],
				"MYSQL_DATABASE":      in.secrets["WORDPRESS_DB_NAME"],
			},
			Volumes: []string{in.volume(stack, "mysql-data", "/bitnami/mysql/data")},
		}
	}
	if extra := in.settings["extraConfiguration"]; extra != "" {
		env["WORDPRESS_CONFIG_EXTRA"] = extra
	}
	stack.Services[in.name] = &Service{
		Image:       "wordpress",
		Environment: env,
		Volumes:     []string{in.volume(stack, "wordpress-data", "/var/www/html")},
	}
	return nil
}
