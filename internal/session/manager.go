package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/totegamma/canvasd/internal/document"
	"github.com/totegamma/canvasd/internal/domain"
	"github.com/totegamma/canvasd/internal/engine"
	"github.com/totegamma/canvasd/internal/enrich"
	"github.com/totegamma/canvasd/internal/snapshot"
	"github.com/totegamma/canvasd/internal/usecase"
)

type Options struct {
	Document document.Options
	Engine   engine.Options
	Pipeline enrich.Options
	// FlushOnClose persists outstanding edits when a session is closed.
	FlushOnClose bool
}

// Session is one owner's live document with its engine and enrichment pipeline.
type Session struct {
	Owner    string
	Store    *document.Store
	Engine   *engine.Engine
	Pipeline *enrich.Pipeline
	OpenedAt time.Time

	started chan struct{}
	err     error
}

// Package returns the user content package that would be persisted right now.
func (s *Session) Package() domain.UserContentPackage {
	return snapshot.Filter(s.Store.Snapshot(), time.Now())
}

type Manager struct {
	canvas  *usecase.CanvasUsecase
	gateway usecase.EnrichmentGateway
	prober  enrich.Prober
	sink    usecase.EventSink
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(
	canvas *usecase.CanvasUsecase,
	gateway usecase.EnrichmentGateway,
	prober enrich.Prober,
	sink usecase.EventSink,
	opts Options,
) *Manager {
	return &Manager{
		canvas:   canvas,
		gateway:  gateway,
		prober:   prober,
		sink:     sink,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Open returns the owner's session, creating and hydrating it on first use.
// Concurrent callers for the same owner share one session.
func (m *Manager) Open(ctx context.Context, owner string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[owner]; ok {
		m.mu.Unlock()
		select {
		case <-s.started:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.err != nil {
			return nil, s.err
		}
		return s, nil
	}

	store := document.NewStore(m.opts.Document)
	s := &Session{
		Owner:    owner,
		Store:    store,
		Engine:   engine.New(owner, store, m.canvas, m.sink, m.opts.Engine),
		Pipeline: enrich.New(owner, store, m.gateway, m.prober, m.sink, m.opts.Pipeline),
		OpenedAt: time.Now(),
		started:  make(chan struct{}),
	}
	m.sessions[owner] = s
	m.mu.Unlock()

	err := s.Engine.Start(ctx)
	if err == nil {
		s.Pipeline.Attach()
	} else {
		s.err = err
		m.mu.Lock()
		if m.sessions[owner] == s {
			delete(m.sessions, owner)
		}
		m.mu.Unlock()
		s.Engine.Stop()
		store.Close()
	}
	close(s.started)

	if err != nil {
		return nil, err
	}

	slog.InfoContext(
		ctx, "session opened",
		slog.String("owner", owner),
		slog.String("module", "session"),
	)
	return s, nil
}

// Get returns an already open session.
func (m *Manager) Get(owner string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[owner]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-s.started:
		return s, s.err == nil
	default:
		return nil, false
	}
}

func (m *Manager) Close(ctx context.Context, owner string) error {
	m.mu.Lock()
	s, ok := m.sessions[owner]
	if ok {
		delete(m.sessions, owner)
	}
	m.mu.Unlock()
	if !ok {
		return domain.NotFoundError{Resource: "session"}
	}

	<-s.started
	return m.shutdown(ctx, s)
}

func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for owner, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, owner)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			<-s.started
			if err := m.shutdown(ctx, s); err != nil {
				slog.WarnContext(ctx, "session close failed", slog.String("owner", s.Owner), slog.String("error", err.Error()), slog.String("module", "session"))
			}
		}(s)
	}
	wg.Wait()
}

func (m *Manager) Owners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners := make([]string, 0, len(m.sessions))
	for owner := range m.sessions {
		owners = append(owners, owner)
	}
	return owners
}

func (m *Manager) shutdown(ctx context.Context, s *Session) error {
	if s.err != nil {
		return nil
	}

	var flushErr error
	if m.opts.FlushOnClose && s.Engine.Pending() > 0 {
		flushErr = s.Engine.FlushNow(ctx)
		if errors.Is(flushErr, engine.ErrNotReady) {
			flushErr = nil
		}
	}

	s.Pipeline.Detach()
	s.Engine.Stop()
	s.Store.Close()

	slog.InfoContext(
		ctx, "session closed",
		slog.String("owner", s.Owner),
		slog.String("module", "session"),
	)
	return flushErr
}
