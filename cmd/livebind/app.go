package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/livebind/admin"
	"github.com/maxpert/livebind/attachment"
	"github.com/maxpert/livebind/binding"
	"github.com/maxpert/livebind/blob"
	"github.com/maxpert/livebind/cfg"
	"github.com/maxpert/livebind/feed"
	"github.com/maxpert/livebind/hlc"
	"github.com/maxpert/livebind/id"
	"github.com/maxpert/livebind/identity"
	"github.com/maxpert/livebind/store"
	"github.com/maxpert/livebind/store/memory"
	"github.com/maxpert/livebind/store/pebblestore"
	"github.com/maxpert/livebind/store/sqlitestore"
	"github.com/maxpert/livebind/telemetry"
	"github.com/rs/zerolog/log"
)

const statsInterval = 10 * time.Second

// app holds every wired component for one command run
type app struct {
	store     store.Store
	blobs     blob.Backend
	session   *identity.Session
	registry  *attachment.Registry
	feed      *feed.Publisher
	cache     *binding.Cache
	collector *telemetry.MetricsCollector
}

func newApp() (*app, error) {
	conf := cfg.Config
	clock := hlc.NewClock(conf.NodeID)
	a := &app{session: identity.NewSession()}
	if *userFlag != "" {
		a.session.Login(*userFlag)
	}

	var err error
	if a.store, err = openStore(conf.Store, id.NewHLCGenerator(clock)); err != nil {
		return nil, err
	}
	if a.blobs, err = openBlobs(conf.Blob); err != nil {
		a.close()
		return nil, err
	}

	a.registry, err = attachment.NewRegistry(attachment.Config{
		Store:        a.store,
		Blobs:        a.blobs,
		Identity:     a.session,
		Clock:        clock,
		Collection:   conf.Attachments.Collection,
		Folder:       conf.Attachments.Folder,
		URLCacheSize: conf.Attachments.URLCacheSize,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create attachment registry: %w", err)
	}

	var hook binding.CommitHook
	if conf.Feed.Enabled {
		a.feed, err = feed.NewPublisher(feed.Config{
			DataDir:   conf.DataDir,
			NodeID:    conf.NodeID,
			QueueSize: conf.Feed.QueueSize,
			Sinks:     conf.Feed.Sinks,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		if err := a.feed.Start(); err != nil {
			a.close()
			return nil, err
		}
		hook = a.feed.Hook
	}

	mode, err := binding.ParseMode(conf.Store.Mode)
	if err != nil {
		a.close()
		return nil, err
	}
	debounceMS := conf.Binding.DebounceMS
	if mode == binding.ModeDocument {
		debounceMS = conf.Binding.DocumentDebounceMS
	}
	debounce := time.Duration(debounceMS) * time.Millisecond
	if debounceMS == 0 {
		debounce = -1
	}

	a.cache, err = binding.New(binding.Config{
		Store:       a.store,
		Mode:        mode,
		Attachments: a.registry,
		Debounce:    debounce,
		GraceDelay:  time.Duration(conf.Binding.GraceMS) * time.Millisecond,
		MaxIdle:     conf.Binding.MaxIdleBindings,
		OnCommit:    hook,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.collector = telemetry.NewMetricsCollector(a.cache, statsInterval)
	a.collector.Start()

	log.Debug().
		Str("store", string(conf.Store.Backend)).
		Str("mode", mode.String()).
		Str("blobs", string(conf.Blob.Backend)).
		Bool("feed", a.feed != nil).
		Msg("Livebind initialized")
	return a, nil
}

func openStore(conf cfg.StoreConfiguration, ids id.Generator) (store.Store, error) {
	switch conf.Backend {
	case cfg.StoreMemory:
		return memory.New(ids), nil
	case cfg.StorePebble:
		s, err := pebblestore.Open(cfg.Resolve(conf.Path), ids, pebblestore.Options{})
		if err != nil {
			return nil, err
		}
		return s, nil
	case cfg.StoreSQLite:
		s, err := sqlitestore.Open(cfg.Resolve(conf.Path), ids)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend: %s", conf.Backend)
}

func openBlobs(conf cfg.BlobConfiguration) (blob.Backend, error) {
	switch conf.Backend {
	case cfg.BlobMemory:
		return blob.NewMemory(), nil
	case cfg.BlobFS:
		fs, err := blob.NewFS(cfg.Resolve(conf.Dir), conf.PublicURL, conf.Compress)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	return nil, fmt.Errorf("unknown blob backend: %s", conf.Backend)
}

func (a *app) adminServer() *admin.Server {
	h := admin.NewHandlers(a.cache, a.blobs, a.registry, a.feed)
	return admin.NewServer(h, cfg.Config.Admin)
}

// close tears down in reverse order: pending writes reach the store and the
// feed before either closes.
func (a *app) close() error {
	var errs []error
	if a.collector != nil {
		a.collector.Stop()
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.feed != nil {
		a.feed.Stop()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
