// Package chat implements the Chat Session Manager (spec C12): an
// append-only per-session message log driving the Query Orchestrator.
// Grounded on the teacher's internal/persistence/databases chat store
// family (chat_store_memory.go / chat_store_postgres.go): sessions own an
// ordered message list, activity is touched on every turn, and idle
// sessions age out to a read-only state.
package chat

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manifold-labs/docsearch/internal/clock"
	"github.com/manifold-labs/docsearch/internal/docerr"
	"github.com/manifold-labs/docsearch/internal/llm"
	"github.com/manifold-labs/docsearch/internal/metadata"
	"github.com/manifold-labs/docsearch/internal/query"
	"github.com/manifold-labs/docsearch/internal/tenant"
)

// Defaults from spec §4.10.
const (
	DefaultHistoryMessages = 50
	DefaultMaxMessageBytes = metadata.MaxMessageBytes
	DefaultSessionTimeout  = 30 * time.Minute
)

// blockedPatterns are content shapes process_turn rejects outright rather
// than forwarding to the orchestrator (spec §4.10 step 1).
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=\s*["']`),
}

// TurnResult is what process_turn returns to the caller (spec §4.10 step 6).
type TurnResult struct {
	MessageID string
	Content   string
	Context   query.Result
}

// Manager implements process_turn (spec §4.10).
type Manager struct {
	store    metadata.Store
	registry *tenant.Registry
	query    *query.Orchestrator

	log     zerolog.Logger
	clock   clock.Clock
	history int
	timeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option      { return func(m *Manager) { m.log = l } }
func WithClock(c clock.Clock) Option          { return func(m *Manager) { m.clock = c } }
func WithHistoryMessages(n int) Option        { return func(m *Manager) { m.history = n } }
func WithSessionTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

// New builds a Manager.
func New(store metadata.Store, registry *tenant.Registry, orchestrator *query.Orchestrator, opts ...Option) *Manager {
	m := &Manager{
		store: store, registry: registry, query: orchestrator,
		log: zerolog.Nop(), clock: clock.System{},
		history: DefaultHistoryMessages, timeout: DefaultSessionTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateSession opens a new active session for tenant/user.
func (m *Manager) CreateSession(ctx context.Context, tenant, user, title string) (metadata.ChatSession, error) {
	if err := m.registry.AssertScope(ctx, tenant, tenant); err != nil {
		return metadata.ChatSession{}, err
	}
	now := m.clock.Now()
	s := metadata.ChatSession{
		ID: uuid.NewString(), Tenant: tenant, User: user, Title: title,
		Status: metadata.SessionActive, LastActivity: now, CreatedAt: now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return metadata.ChatSession{}, docerr.New(docerr.Internal, "chat.CreateSession", err)
	}
	return s, nil
}

// ProcessTurn runs the full contract of spec §4.10: validate and append the
// user message, build bounded history, call the orchestrator, append the
// system response, and touch last_activity.
func (m *Manager) ProcessTurn(ctx context.Context, tenant, sessionID, identity, content string) (TurnResult, error) {
	if err := m.registry.AssertScope(ctx, tenant, tenant); err != nil {
		return TurnResult{}, err
	}

	session, ok, err := m.store.GetSession(ctx, tenant, sessionID)
	if err != nil {
		return TurnResult{}, docerr.New(docerr.Internal, "chat.ProcessTurn", err)
	}
	if !ok {
		return TurnResult{}, docerr.New(docerr.NotFound, "chat.ProcessTurn", nil)
	}

	now := m.clock.Now()
	if session.Status == metadata.SessionInactive || now.Sub(session.LastActivity) > m.timeout {
		if session.Status == metadata.SessionActive {
			_ = m.store.TouchSession(ctx, tenant, sessionID, session.LastActivity, metadata.SessionInactive)
		}
		return TurnResult{}, docerr.New(docerr.Validation, "chat.ProcessTurn", nil)
	}

	if err := validateContent(content); err != nil {
		return TurnResult{}, err
	}

	userMsg := metadata.Message{
		ID: uuid.NewString(), Session: sessionID, Tenant: tenant, Role: metadata.RoleUser,
		Content: content, CreatedAt: now,
	}
	if err := m.store.AppendMessage(ctx, userMsg); err != nil {
		return TurnResult{}, docerr.New(docerr.Internal, "chat.ProcessTurn", err)
	}

	recent, err := m.store.RecentMessages(ctx, tenant, sessionID, m.history)
	if err != nil {
		return TurnResult{}, docerr.New(docerr.Internal, "chat.ProcessTurn", err)
	}
	history := make([]query.Turn, 0, len(recent))
	for _, msg := range recent {
		role := llm.RoleUser
		if msg.Role == metadata.RoleSystem {
			role = llm.RoleAssistant
		}
		history = append(history, query.Turn{Role: role, Content: msg.Content})
	}

	result, err := m.query.Answer(ctx, tenant, content, history, query.SecurityContext{Tenant: tenant, Identity: identity})
	if err != nil {
		return TurnResult{}, err
	}

	systemMsg := metadata.Message{
		ID: uuid.NewString(), Session: sessionID, Tenant: tenant, Role: metadata.RoleSystem,
		Content: result.Answer, CreatedAt: m.clock.Now(),
		Metadata: map[string]any{
			"confidence_score": result.ConfidenceScore,
			"grounded":         result.Grounded,
			"model":            result.Model,
			"source_documents": result.SourceDocuments,
		},
	}
	if err := m.store.AppendMessage(ctx, systemMsg); err != nil {
		return TurnResult{}, docerr.New(docerr.Internal, "chat.ProcessTurn", err)
	}
	if err := m.store.TouchSession(ctx, tenant, sessionID, m.clock.Now(), metadata.SessionActive); err != nil {
		return TurnResult{}, docerr.New(docerr.Internal, "chat.ProcessTurn", err)
	}

	return TurnResult{MessageID: systemMsg.ID, Content: systemMsg.Content, Context: result}, nil
}

// validateContent enforces length and blocked-pattern rules (spec §4.10
// step 1).
func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return docerr.New(docerr.Validation, "chat.validateContent", nil)
	}
	if len(content) > DefaultMaxMessageBytes {
		return docerr.New(docerr.Validation, "chat.validateContent", nil)
	}
	for _, p := range blockedPatterns {
		if p.MatchString(content) {
			return docerr.New(docerr.Validation, "chat.validateContent", nil)
		}
	}
	return nil
}
