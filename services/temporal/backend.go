// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package temporal

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/AleutianAI/AleutianChrono/services/temporal/config"
	"github.com/AleutianAI/AleutianChrono/services/temporal/storage"
	"github.com/AleutianAI/AleutianChrono/services/temporal/storage/badger"
	"github.com/AleutianAI/AleutianChrono/services/temporal/storage/sqlite"
)

// OpenBackend opens the storage backend selected by cfg.Backend.
//
// Badger keeps its files under {data_dir}/badger; SQLite uses
// {data_dir}/chrono.db. The memory backend is an in-memory Badger store.
func OpenBackend(cfg config.Config, logger *slog.Logger) (storage.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "storage"), slog.String("backend", cfg.Backend))

	switch cfg.Backend {
	case config.BackendMemory:
		bc := badger.InMemoryConfig()
		bc.Logger = logger
		return badger.Open(bc)

	case config.BackendBadger, "":
		bc := badger.DefaultConfig()
		bc.Path = filepath.Join(cfg.DataDir, "badger")
		bc.SyncWrites = cfg.Badger.SyncWrites
		bc.GCInterval = cfg.Badger.GCInterval
		bc.GCDiscardRatio = cfg.Badger.GCDiscardRatio
		bc.Logger = logger
		return badger.Open(bc)

	case config.BackendSQLite:
		sc := sqlite.DefaultConfig(filepath.Join(cfg.DataDir, "chrono.db"))
		sc.BusyTimeoutMS = cfg.SQLite.BusyTimeoutMS
		sc.Synchronous = cfg.SQLite.Synchronous
		sc.Logger = logger
		return sqlite.Open(sc)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
