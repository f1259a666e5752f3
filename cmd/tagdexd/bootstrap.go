package main

import (
	"fmt"

	"github.com/tagdex/tagdexd/internal/arena"
	"github.com/tagdex/tagdexd/internal/auth"
	"github.com/tagdex/tagdexd/internal/config"
	"github.com/tagdex/tagdexd/internal/dump"
	"github.com/tagdex/tagdexd/internal/graph"
	"github.com/tagdex/tagdexd/internal/guid"
	"github.com/tagdex/tagdexd/internal/implication"
	"github.com/tagdex/tagdexd/internal/logger"
	"github.com/tagdex/tagdexd/internal/protocol"
	"github.com/tagdex/tagdexd/internal/walog"
)

// server bundles everything bootstrap assembles: the parsed config, the
// arena metadata file, the rebuilt in-memory graph, and a writer positioned
// to append the next live transaction.
type server struct {
	cfg   *config.Config
	arena *arena.Arena
	store *graph.Store
	log   *walog.Writer
}

// bootstrap loads configPath, opens the arena, and rebuilds the graph. When
// arena.Open reports adopted, the arena's roots record holds a complete
// snapshot left by the previous clean shutdown (see graph.Save), and
// graph.Load reconstructs the store directly from arena memory — no dump,
// no log replay. Otherwise the arena is either fresh or its header didn't
// match (config or struct-layout change), and the graph is rebuilt the slow
// way: the latest dump followed by every log transaction recorded since.
func bootstrap(configPath string) (*server, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	if cfg.ServerGUID == (guid.GUID{}) {
		g, err := guid.NewServer()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: mint server guid: %w", err)
		}
		cfg.ServerGUID = g
		logger.Warn("no guid= in config, minted a fresh one for this run", "guid", g.String())
	}

	a, adopted, err := arena.Open(cfg.BaseDir, structSizes(), cfg.MD5(), cfg.MMBase)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open arena: %w", err)
	}
	logger.Info("arena opened", "basedir", cfg.BaseDir, "adopted", adopted)

	var store *graph.Store
	var lastIndex uint64

	if adopted {
		store, err = graph.Load(a, cfg.ServerGUID)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load graph from arena: %w", err)
		}
		lastIndex, _ = a.LogPosition()
		logger.Info("graph adopted from arena snapshot", "posts", len(store.AllPosts()), "tags", len(store.AllTags()), "last_index", lastIndex)
	} else {
		store = graph.NewStore(cfg.ServerGUID)
	}

	store.RecomputePost = func(p *graph.Post) { implication.Recompute(store, p) }
	store.RecomputeTagPosts = func(t *graph.Tag) { implication.RecomputeTagPosts(store, t) }

	hi, lo := a.TagGUIDCounter()
	store.SeedTagGUIDCounter(hi, lo)

	if !adopted {
		ctx := &protocol.Context{Store: store, User: &graph.User{Capabilities: auth.AllCapabilities}}
		dispatch := func(command string) error {
			reply, fatal := protocol.Dispatch(ctx, command)
			if fatal {
				return fmt.Errorf("bootstrap: replay rejected a previously committed command %q: %s", command, reply)
			}
			return nil
		}

		fromIndex := uint64(0)
		if path, nextLogIndex, ok, err := dump.Latest(cfg.BaseDir); err != nil {
			return nil, fmt.Errorf("bootstrap: find latest dump: %w", err)
		} else if ok {
			logger.Info("loading dump", "path", path, "next_log_index", nextLogIndex)
			if err := dump.Load(path, dispatch); err != nil {
				return nil, fmt.Errorf("bootstrap: load dump: %w", err)
			}
			fromIndex = nextLogIndex
		}

		lastIndex, err = walog.Replay(cfg.BaseDir, fromIndex, dispatch)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: replay log: %w", err)
		}
		logger.Info("log replay complete", "from_index", fromIndex, "last_index", lastIndex)

		hi, lo = store.TagGUIDCounter()
		a.SetTagGUIDCounter(hi, lo)
		_, dumpIdx := a.LogPosition()
		a.SetLogPosition(lastIndex, dumpIdx)
		if err := a.Flush(); err != nil {
			return nil, fmt.Errorf("bootstrap: flush arena: %w", err)
		}
	}

	w, err := walog.OpenWriter(cfg.BaseDir, lastIndex, true)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open log writer: %w", err)
	}

	return &server{cfg: cfg, arena: a, store: store, log: w}, nil
}
