package migrations

import (
	"log/slog"

	"clinic-flow/config"

	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// Seeds the staff superuser that guards the /mw/admin routes. Skipped when
// no credentials are configured.
func init() {
	m.Register(func(app core.App) error {
		cfg := config.LoadConfig()
		if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
			slog.Warn("Clinic admin credentials not set, skipping superuser seed")
			return nil
		}

		superusers, err := app.FindCollectionByNameOrId(core.CollectionNameSuperusers)
		if err != nil {
			return err
		}

		record := core.NewRecord(superusers)
		record.Set("email", cfg.AdminEmail)
		record.Set("password", cfg.AdminPassword)

		return app.Save(record)
	}, func(app core.App) error {
		cfg := config.LoadConfig()
		if cfg.AdminEmail == "" {
			return nil
		}

		record, _ := app.FindAuthRecordByEmail(core.CollectionNameSuperusers, cfg.AdminEmail)
		if record == nil {
			return nil
		}

		return app.Delete(record)
	})
}
