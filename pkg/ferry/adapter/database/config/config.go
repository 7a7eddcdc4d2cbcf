// Package config defines connection settings for named database adapters.
// Entries under the application's `database:` map decode into these structs.
package config

// PoolConfig holds database connection pool settings.
type PoolConfig struct {
	MaxOpenConns           int `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns           int `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes" mapstructure:"conn_max_lifetime_minutes"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Type     string     `yaml:"type" mapstructure:"type"`         // Type is the database kind ("sqlite", "postgres", "mysql").
	Host     string     `yaml:"host" mapstructure:"host"`         // Host is the database host address.
	Port     int        `yaml:"port" mapstructure:"port"`         // Port is the database port number.
	Database string     `yaml:"database" mapstructure:"database"` // Database is the database name, or the file path for sqlite.
	User     string     `yaml:"user" mapstructure:"user"`         // User is the database user.
	Password string     `yaml:"password" mapstructure:"password"` // Password is the database password.
	Sslmode  string     `yaml:"sslmode" mapstructure:"sslmode"`   // Sslmode is the SSL mode for the connection.
	Pool     PoolConfig `yaml:"pool" mapstructure:"pool"`         // Pool holds connection pool settings.
}
