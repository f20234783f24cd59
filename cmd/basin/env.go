package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"basin/internal/config"
	"basin/internal/land"
	"basin/internal/logging"
	"basin/internal/repo"
	"basin/internal/session"
)

// cmdEnv bundles what a command needs once flags are resolved: the
// effective configuration, the logger it implies, the activity journal,
// and, for commands that work on an existing repository, the open
// handle.
type cmdEnv struct {
	cfg      *config.Config
	logger   *logging.Logger
	activity *logging.ActivityLog
	repo     *repo.Repo
}

// loadConfig resolves the effective configuration: file (or defaults
// when none exists), then BASIN_* environment overrides, then flags.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.ConfigPath()
	}

	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		return nil, err
	}
	if flagRepo != "" {
		cfg.Storage.Root = flagRepo
	}
	if flagVerbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "cli",
	})
}

// openEnv builds the environment without opening a repository. Only
// init uses this directly; everything else goes through openRepoEnv.
func openEnv() (*cmdEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	env := &cmdEnv{cfg: cfg, logger: logger}

	acfg := logging.DefaultActivityConfig()
	acfg.FilePath = filepath.Join(filepath.Dir(cfg.Logging.FilePath), "activity.log")
	acfg.Repo = cfg.Storage.Root
	activity, err := logging.NewActivityLog(acfg)
	if err != nil {
		logger.Warn("activity journal unavailable", "error", err)
	} else {
		env.activity = activity
	}
	return env, nil
}

// openRepoEnv opens the configured repository on top of openEnv.
func openRepoEnv() (*cmdEnv, error) {
	env, err := openEnv()
	if err != nil {
		return nil, err
	}

	r, err := repo.Open(env.cfg.Storage.Root, repo.Options{
		Logger:             env.logger.Logger,
		CacheSize:          env.cfg.Storage.CacheSize,
		SegmentSize:        env.cfg.Log.SegmentSizeBytes,
		SyncOnAppend:       env.cfg.Log.SyncOnAppend,
		BloomExpectedPaths: env.cfg.Conflict.BloomExpectedPaths,
		BloomTargetRate:    env.cfg.Conflict.BloomTargetRate,
		Partitions:         env.cfg.Partitions.Prefixes,
	})
	if err != nil {
		env.close()
		if errors.Is(err, land.ErrNotInitialized) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no repository at %s (run \"basin init\" first)", env.cfg.Storage.Root)
		}
		return nil, err
	}
	env.repo = r
	return env, nil
}

func (e *cmdEnv) close() {
	if e.repo != nil {
		_ = e.repo.Close()
	}
	if e.activity != nil {
		_ = e.activity.Close()
	}
	if e.logger != nil {
		_ = e.logger.Close()
	}
}

// journal writes one activity event. Command outcomes never depend on
// journaling, so failures are logged and dropped.
func (e *cmdEnv) journal(fn func(*logging.ActivityLog) error) {
	if e.activity == nil {
		return
	}
	if err := fn(e.activity); err != nil {
		e.logger.Warn("activity journal write failed", "error", err)
	}
}

// agentID returns the identity records are stamped with. The --agent
// flag wins; otherwise the id persisted under the basin data directory
// is used, created on first call.
func agentID() (uuid.UUID, error) {
	if flagAgent != "" {
		id, err := uuid.Parse(flagAgent)
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse --agent: %w", err)
		}
		return id, nil
	}

	path := filepath.Join(config.BasinDir(), "agent-id")
	data, err := os.ReadFile(path)
	if err == nil {
		id, err := uuid.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return uuid.Nil, fmt.Errorf("read agent id: %w", err)
	}

	id := uuid.New()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return uuid.Nil, fmt.Errorf("create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0600); err != nil {
		return uuid.Nil, fmt.Errorf("persist agent id: %w", err)
	}
	return id, nil
}

// resolveSession accepts a full session UUID or a unique id prefix.
func resolveSession(r *repo.Repo, arg string) (session.Meta, error) {
	if id, err := uuid.Parse(arg); err == nil {
		return r.Session(id)
	}

	metas, err := r.ListSessions()
	if err != nil {
		return session.Meta{}, err
	}
	prefix := strings.ToLower(arg)
	var matches []session.Meta
	for _, meta := range metas {
		if strings.HasPrefix(meta.ID.String(), prefix) {
			matches = append(matches, meta)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return session.Meta{}, fmt.Errorf("no session matches %q", arg)
	default:
		return session.Meta{}, fmt.Errorf("session id %q is ambiguous (%d matches)", arg, len(matches))
	}
}

// openSessionFor finds the caller's open session, the implicit target
// of record and land when no session is named.
func openSessionFor(r *repo.Repo, owner uuid.UUID) (session.Meta, error) {
	metas, err := r.ListSessions()
	if err != nil {
		return session.Meta{}, err
	}
	for _, meta := range metas {
		if meta.Owner == owner && meta.State == session.StateOpen {
			return meta, nil
		}
	}
	return session.Meta{}, fmt.Errorf("no open session for agent %s (run \"basin session start\")", shortID(owner.String()))
}

// shortID trims an identifier to its first hyphen-free run for display.
func shortID(s string) string {
	if i := strings.IndexByte(s, '-'); i > 0 {
		return s[:i]
	}
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
