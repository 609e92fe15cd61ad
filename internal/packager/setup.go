package packager

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/nucleus/nwb-capsule/internal/catalog"
	"github.com/nucleus/nwb-capsule/internal/config"
	"github.com/nucleus/nwb-capsule/internal/objectstore"
)

// FromConfig opens the configured store and, when a DSN is set, the
// catalog. The returned close func releases them.
func FromConfig(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*Packager, func(), error) {
	store, err := objectstore.New(cfg.StoreConfig())
	if err != nil {
		return nil, nil, wrapError(CodeWriteFailed, false, err)
	}
	if err := store.Ping(ctx); err != nil {
		return nil, nil, wrapError(CodeWriteFailed, objectstore.IsRetryable(err), err)
	}

	closeFn := func() {}
	var reg Registrar
	if cfg.CatalogDSN != "" {
		cat, err := catalog.Open(ctx, cfg.CatalogDSN)
		if err != nil {
			return nil, nil, wrapError(CodeCatalogFailed, true, err)
		}
		reg = cat
		closeFn = cat.Close
	}

	p, err := New(cfg, store, reg, log)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return p, closeFn, nil
}
