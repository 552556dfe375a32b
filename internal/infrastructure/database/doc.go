// Package database opens the SQLite file that archives finished jobs.
//
// The bridge keeps no job state in SQLite: the correlator is the source of
// truth for live jobs, and the database only records terminal outcomes for
// the per-device command history. Payloads are never stored, only sizes.
//
// Schema changes live in the migrations package as paired
// YYYYMMDD_HHMMSS_name.up.sql / .down.sql files, embedded into the binary
// and applied by Migrate at startup:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
