package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/algotrader/broker/oanda"
	"github.com/rustyeddy/algotrader/config"
	"github.com/rustyeddy/algotrader/engine"
	"github.com/rustyeddy/algotrader/events"
	"github.com/rustyeddy/algotrader/feed"
	"github.com/rustyeddy/algotrader/journal"
	"github.com/rustyeddy/algotrader/sink/kafka"
	"github.com/rustyeddy/algotrader/store"
	"github.com/rustyeddy/algotrader/symbols"
)

// app holds everything a run owns and must close.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   store.Store
	journal journal.Journal
	bus     *events.Bus
	sink    *kafka.Sink
	symbols symbols.Mapper
	engine  *engine.Engine
	clients map[string]*oanda.Client
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, bus: events.NewBus(log), clients: make(map[string]*oanda.Client)}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var err error
	if a.store, err = openStore(cfg.Store); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if a.symbols, err = openSymbols(cfg.Symbols); err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}
	j, err := openJournal(cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("create journal: %w", err)
	}
	if j != nil {
		a.journal = journal.NewAsync(j, cfg.Journal.Queue, log)
	}
	if cfg.Kafka.Enabled {
		if a.sink, err = kafka.New(cfg.Kafka, log); err != nil {
			return nil, err
		}
	}

	a.engine = engine.New(engine.Options{
		Config:  cfg,
		Store:   a.store,
		Journal: a.journal,
		Bus:     a.bus,
		Symbols: a.symbols,
		Log:     log,
	})

	for _, acct := range cfg.Live.Accounts {
		client, err := oanda.NewClient(acct.OANDA)
		if err != nil {
			return nil, fmt.Errorf("live account %s: %w", acct.Name, err)
		}
		a.clients[acct.Name] = client
		a.engine.AddBroker(acct.Name, oanda.NewConnector(client, log))
	}

	ok = true
	return a, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Type != "sqlite" {
		return store.NewMemory(), nil
	}
	s, err := store.NewSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openSymbols(cfg config.SymbolsConfig) (symbols.Mapper, error) {
	switch {
	case cfg.File != "":
		return symbols.LoadFile(cfg.File)
	case len(cfg.List) > 0:
		return symbols.NewStatic(cfg.List...), nil
	default:
		return symbols.Permissive(), nil
	}
}

func openJournal(cfg config.JournalConfig) (journal.Journal, error) {
	var (
		j   journal.Journal
		err error
	)
	switch cfg.Type {
	case "csv":
		j, err = journal.NewCSV(cfg.FillsFile, cfg.PnLFile)
	case "sqlite":
		j, err = journal.NewSQLite(cfg.DBPath)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// source builds the configured tick feed.
func (a *app) source() (feed.Source, error) {
	fc := a.cfg.Feed
	hooks := a.engine.FeedHooks()
	switch fc.Type {
	case "csv":
		return &feed.CSV{Path: fc.CSV.Path, Speed: fc.CSV.Speed, Symbols: a.symbols, Broker: fc.CSV.Broker}, nil
	case "websocket":
		return feed.NewWebSocket(fc.WebSocket, feed.DecodeJSON, a.symbols, hooks, a.log), nil
	case "oanda":
		return feed.NewOANDA(fc.OANDA, &http.Client{}, a.symbols, hooks, a.log)
	default:
		return nil, fmt.Errorf("no feed configured")
	}
}

// run starts the engine and blocks until the feed ends or ctx is done.
// After a finite feed it waits for the instances to drain their mailboxes.
func (a *app) run(ctx context.Context, src feed.Source) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if bf := a.cfg.Feed.Backfill; bf.Count > 0 {
		a.engine.Backfill(ctx, oanda.History{Client: a.clients[bf.Account], Symbols: a.symbols}, bf.Count)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return events.Forward(gctx, a.bus, events.StoreSink{Store: a.store}, a.log)
	})
	if a.sink != nil {
		g.Go(func() error {
			return events.Forward(gctx, a.bus, a.sink, a.log)
		})
	}
	g.Go(func() error {
		defer cancel()
		if err := a.engine.Run(gctx, src); err != nil {
			return err
		}
		a.drain(gctx)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) drain(ctx context.Context) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	deadline := time.After(5 * time.Second)
	for !a.engine.Idle() {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			a.log.Warn("instances still busy at shutdown")
			return
		case <-t.C:
		}
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			a.log.Warn("engine close", zap.Error(err))
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Warn("journal close", zap.Error(err))
		}
	}
	if a.sink != nil {
		_ = a.sink.Close()
	}
	a.bus.Close()
	if a.store != nil {
		_ = a.store.Close()
	}
}
