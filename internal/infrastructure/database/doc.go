// Package database opens the bridge's SQLite database and applies
// embedded schema migrations.
//
// # Usage
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files live at the root of the supplied fs.FS and are named
// YYYYMMDD_HHMMSS_description.up.sql with an optional matching .down.sql.
// Applied versions are tracked in schema_migrations.
package database
