package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mfallon/opsgate/auth"
	"github.com/mfallon/opsgate/migration"
	bboltstorage "github.com/mfallon/opsgate/storage/bbolt"
	"github.com/mfallon/opsgate/transport"
)

// clientStack wires the full client: persistent stores, signed transport,
// auth service, and the storage migration. Both stores are file-backed so
// sessions survive across CLI invocations.
type clientStack struct {
	auth      *auth.Service
	migration *migration.Service
	transport *transport.Client
	logger    *slog.Logger

	legacy  *bboltstorage.Store
	session *bboltstorage.Store
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newClientStack opens storage, builds the service graph, and runs
// initialization (including the migration when it has not completed).
// On an initialization failure the stack is still returned alongside the
// error so commands like migrate --rollback can operate on it; callers
// must Close a non-nil stack either way.
func newClientStack(ctx context.Context) (*clientStack, error) {
	stack, err := newRawStack()
	if err != nil {
		return nil, err
	}
	if err := stack.auth.Initialize(ctx, stack.migration); err != nil {
		return stack, err
	}
	return stack, nil
}

// newRawStack builds the service graph without initializing it.
func newRawStack() (*clientStack, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	legacy, err := bboltstorage.NewStoreFromFile(dataDir+"/legacy.db", nil)
	if err != nil {
		return nil, fmt.Errorf("opening legacy store: %w", err)
	}
	session, err := bboltstorage.NewStoreFromFile(dataDir+"/session.db", nil)
	if err != nil {
		legacy.Close()
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	logger := newLogger()
	tc := transport.New(baseURL, session,
		transport.WithLogger(logger),
		transport.WithUserAgent("opsgate-cli/"+Version))

	authSvc := auth.NewService(tc, session, auth.WithLogger(logger))
	migSvc := migration.NewService(legacy, session, authSvc,
		migration.WithLogger(logger),
		migration.WithClientInfo(tc.UserAgent(), tc.BaseURL()))

	return &clientStack{
		auth:      authSvc,
		migration: migSvc,
		transport: tc,
		logger:    logger,
		legacy:    legacy,
		session:   session,
	}, nil
}

func (s *clientStack) Close() {
	s.auth.Close()
	if err := s.session.Close(); err != nil {
		s.logger.Warn("closing session store", slog.String("error", err.Error()))
	}
	if err := s.legacy.Close(); err != nil {
		s.logger.Warn("closing legacy store", slog.String("error", err.Error()))
	}
}
