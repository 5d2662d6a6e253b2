// Package db selects the concrete storage driver for a profile.
package db

import (
	"github.com/pkg/errors"

	"github.com/nasa/earthdata-mcp/internal/profile"
	"github.com/nasa/earthdata-mcp/store"
	"github.com/nasa/earthdata-mcp/store/db/memory"
	"github.com/nasa/earthdata-mcp/store/db/postgres"
)

// NewDBDriver creates a new storage driver based on the profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "postgres":
		driver, err := postgres.NewDB(profile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create postgres driver")
		}
		return driver, nil
	case "memory":
		return memory.NewDB(profile), nil
	default:
		return nil, errors.Errorf("unknown db driver: %s", profile.Driver)
	}
}
