package main

import (
	"context"
	"fmt"

	"github.com/foxzi/sendlater/internal/config"
	"github.com/foxzi/sendlater/internal/database"
	"github.com/foxzi/sendlater/internal/gateway"
	"github.com/foxzi/sendlater/internal/schedule"
	"github.com/foxzi/sendlater/internal/template"
)

// stores bundles the message and template stores opened for an offline
// command. The service must not be running against the same bolt file.
type stores struct {
	cfg       *config.Config
	messages  schedule.Store
	templates template.Store
	close     func()
}

func openStores(ctx context.Context) (*stores, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if cfg.Storage.Driver == config.DriverPostgres {
		db, err := database.Open(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return &stores{
			cfg:       cfg,
			messages:  schedule.NewPostgresStorage(db),
			templates: template.NewPostgresStorage(db),
			close:     func() { db.Close() },
		}, nil
	}

	storage, err := schedule.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	templates, err := template.NewStorage(storage.DB())
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to open template storage: %w", err)
	}

	return &stores{
		cfg:       cfg,
		messages:  storage,
		templates: templates,
		close:     func() { storage.Close() },
	}, nil
}

// normalizeRecipient applies the same recipient normalization as the API,
// so messages added here match recipient filters there
func normalizeRecipient(cfg *config.Config, recipient string) string {
	if !cfg.Gateway.NormalizeRecipients {
		return recipient
	}
	return gateway.NormalizeRecipient(recipient, cfg.Gateway.DefaultCountryCode)
}
