package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"hub-backend/internal/config"

	_ "github.com/lib/pq"
)

// Tables the backend migrates, with the hash columns that must hold a
// 0x-prefixed 32-byte hex string.
var hashColumns = map[string][]string{
	"hub_transfers":         {"transfer_id", "sender", "recipient", "token"},
	"hub_confirmations":     {"transfer_id"},
	"hub_nullifiers":        {"nullifier"},
	"hub_commitment_leaves": {"commitment", "root_after"},
}

func main() {
	fmt.Println("🔍 Verifying database connection and hub schema...")

	// Load config
	if err := config.LoadConfig(""); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dsn := config.AppConfig.Database.DSN
	if dsn == "" {
		log.Fatalf("Database DSN is required")
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	var dbName string
	if err := sqlDB.QueryRow("SELECT current_database()").Scan(&dbName); err != nil {
		log.Fatalf("Failed to get database name: %v", err)
	}
	fmt.Printf("📋 Connected to database: %s\n", dbName)

	broken := 0
	for table, columns := range hashColumns {
		var exists bool
		err := sqlDB.QueryRow(`
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil {
			log.Fatalf("Failed to check table %s: %v", table, err)
		}
		if !exists {
			fmt.Printf("❌ Table %s does not exist (run the backend once to migrate)\n", table)
			broken++
			continue
		}

		for _, column := range columns {
			var size sql.NullInt64
			err := sqlDB.QueryRow(`
				SELECT character_maximum_length
				FROM information_schema.columns
				WHERE table_schema = 'public'
				AND table_name = $1
				AND column_name = $2
			`, table, column).Scan(&size)
			if err == sql.ErrNoRows {
				fmt.Printf("❌ %s.%s column does not exist\n", table, column)
				broken++
				continue
			}
			if err != nil {
				log.Fatalf("Failed to query column size: %v", err)
			}

			// 0x + 64 hex chars
			if size.Valid && size.Int64 < 66 {
				fmt.Printf("❌ %s.%s: VARCHAR(%d), need at least VARCHAR(66)\n", table, column, size.Int64)
				broken++
			} else if size.Valid {
				fmt.Printf("✅ %s.%s: VARCHAR(%d)\n", table, column, size.Int64)
			} else {
				fmt.Printf("✅ %s.%s: unbounded text\n", table, column)
			}
		}
	}

	if broken > 0 {
		fmt.Printf("\n❌ %d schema problem(s) found\n", broken)
		os.Exit(1)
	}
	fmt.Println("\n✅ Hub schema verified")
}
