// Package database opens the MySQL pool and applies the embedded schema
// migrations.
package database

import (
	"context"
	"database/sql"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Settings are the connection parameters read from DB_* variables.
type Settings struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

// mysqlConfig builds the driver config. DATETIME columns scan into
// time.Time in UTC.
func (s Settings) mysqlConfig() *mysql.Config {
	c := mysql.NewConfig()
	c.User = s.User
	c.Passwd = s.Pass
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(s.Host, s.Port)
	c.DBName = s.Name
	c.ParseTime = true
	c.Loc = time.UTC
	c.Params = map[string]string{"charset": "utf8mb4"}
	return c
}

// Open connects to MySQL and verifies the connection.
func Open(ctx context.Context, s Settings) (*sql.DB, error) {
	db, err := sql.Open("mysql", s.mysqlConfig().FormatDSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
