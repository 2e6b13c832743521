package devices

import (
	"database/sql"

	"github.com/fibratel/routerpilot/internal/store"
)

// Migrations owns the devices and metrics-history schema.
var Migrations = []store.Migration{
	{
		Version:     1,
		Description: "create devices and metrics snapshot tables",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE devices (
					id                TEXT PRIMARY KEY,
					code              TEXT NOT NULL UNIQUE,
					brand             TEXT NOT NULL,
					model             TEXT NOT NULL DEFAULT '',
					serial            TEXT NOT NULL DEFAULT '',
					ip                TEXT NOT NULL DEFAULT '',
					mac               TEXT NOT NULL DEFAULT '',
					zone              TEXT NOT NULL DEFAULT '',
					parent_node_id    TEXT NOT NULL DEFAULT '',
					endpoint          TEXT NOT NULL DEFAULT '',
					credentials       BLOB,
					max_clients       INTEGER NOT NULL DEFAULT 0,
					connected_clients INTEGER NOT NULL DEFAULT 0,
					cpu_usage         REAL NOT NULL DEFAULT 0,
					memory_usage      REAL NOT NULL DEFAULT 0,
					signal_quality    REAL NOT NULL DEFAULT 0,
					uptime_seconds    INTEGER NOT NULL DEFAULT 0,
					bandwidth_usage   REAL NOT NULL DEFAULT 0,
					status            TEXT NOT NULL DEFAULT 'inactive',
					last_reboot       DATETIME,
					last_health_check DATETIME,
					created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_devices_status ON devices(status)`,
				`CREATE INDEX idx_devices_brand ON devices(brand)`,
				`CREATE INDEX idx_devices_zone ON devices(zone)`,
				`CREATE TABLE device_metrics_history (
					id                TEXT PRIMARY KEY,
					device_id         TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
					cpu_usage         REAL NOT NULL DEFAULT 0,
					memory_usage      REAL NOT NULL DEFAULT 0,
					signal_quality    REAL NOT NULL DEFAULT 0,
					uptime_seconds    INTEGER NOT NULL DEFAULT 0,
					bandwidth_usage   REAL NOT NULL DEFAULT 0,
					connected_clients INTEGER NOT NULL DEFAULT 0,
					recorded_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_metrics_history_device ON device_metrics_history(device_id, recorded_at)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
}
