package database

import (
	"database/sql"
	"fmt"
	"sync"

	"livecast/Database/schema"
	"livecast/configs"

	_ "github.com/lib/pq"
)

var dbInstance *sql.DB
var dbInstanceError error
var dbOnce sync.Once

// GetPostgresDB opens the shared connection pool and creates the schema on
// first use.
func GetPostgresDB(config *configs.Config) (*sql.DB, error) {
	dbOnce.Do(func() {
		db, err := sql.Open("postgres", config.GetDatabaseURL())
		if err != nil {
			dbInstanceError = fmt.Errorf("failed to connect to PostgreSQL: %v", err)
			return
		}

		if err := db.Ping(); err != nil {
			db.Close()
			dbInstanceError = fmt.Errorf("failed to ping PostgreSQL: %v", err)
			return
		}

		if err := schema.CreateStreamTables(db); err != nil {
			db.Close()
			dbInstanceError = fmt.Errorf("failed to create stream tables: %v", err)
			return
		}

		dbInstance = db
	})
	return dbInstance, dbInstanceError
}
