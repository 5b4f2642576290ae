package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"support-agent/internal/brand"
	"support-agent/internal/domain"
	"support-agent/internal/emotion"
	"support-agent/internal/escalation"
	"support-agent/internal/memory"
	"support-agent/internal/retrieval"
	"support-agent/internal/tools"
)

const (
	defaultMaxContext        = 10
	defaultMaxMessage        = 1000
	defaultToolTimeout       = 3 * time.Second
	defaultRetrievalTimeout  = 2 * time.Second
	defaultGenerationTimeout = 20 * time.Second
	defaultSessionTTL        = 30 * time.Minute
	generationAttempts       = 2
	persistTimeout           = 5 * time.Second
	abandonedNote            = "turn abandoned before a reply was sent"
)

type BrandConfigs interface {
	Get(ctx context.Context, brandID string) (brand.Config, error)
}

type EmotionClassifiers interface {
	For(cfg brand.Config) emotion.Classifier
}

type EscalationPolicies interface {
	For(cfg brand.Config) (*escalation.Engine, error)
}

type KnowledgeRetriever interface {
	Search(ctx context.Context, brandID, query string, topK int, opts ...retrieval.SearchOption) ([]domain.RetrievalResult, error)
}

type ToolInvoker interface {
	Invoke(ctx context.Context, scope tools.Scope, name string, args map[string]any, timeout time.Duration) domain.ToolCall
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// SessionStore persists sessions per brand. SaveTurns must fail with
// domain.ErrConflict when the stored turn count is not prevTurnCount.
type SessionStore interface {
	LoadSession(ctx context.Context, brandID, sessionID string, maxTurns int) (domain.Session, error)
	SaveTurns(ctx context.Context, s domain.Session, prevTurnCount int, turns []domain.Turn) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Dependencies are the collaborators of SupportService. Logger is optional.
type Dependencies struct {
	Brands      BrandConfigs
	Emotions    EmotionClassifiers
	Escalations EscalationPolicies
	Retriever   KnowledgeRetriever
	Tools       ToolInvoker
	LLM         LLMClient
	Sessions    SessionStore
	Logger      *slog.Logger
}

// Limits bound a turn. Zero values take defaults.
type Limits struct {
	MaxContextTurns   int
	MaxMessageLen     int
	ToolTimeout       time.Duration
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	SessionTTL        time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxContextTurns <= 0 {
		l.MaxContextTurns = defaultMaxContext
	}
	if l.MaxMessageLen <= 0 {
		l.MaxMessageLen = defaultMaxMessage
	}
	if l.ToolTimeout <= 0 {
		l.ToolTimeout = defaultToolTimeout
	}
	if l.RetrievalTimeout <= 0 {
		l.RetrievalTimeout = defaultRetrievalTimeout
	}
	if l.GenerationTimeout <= 0 {
		l.GenerationTimeout = defaultGenerationTimeout
	}
	if l.SessionTTL <= 0 {
		l.SessionTTL = defaultSessionTTL
	}
	return l
}

// SupportService runs the dialogue state machine for every inbound message.
type SupportService struct {
	brands      BrandConfigs
	emotions    EmotionClassifiers
	escalations EscalationPolicies
	retriever   KnowledgeRetriever
	tools       ToolInvoker
	llm         LLMClient
	sessions    SessionStore
	logger      *slog.Logger
	limits      Limits
	locks       *sessionLocks

	memMu    sync.Mutex
	memories map[string]*memory.Memory
}

func NewSupportService(deps Dependencies, limits Limits) (*SupportService, error) {
	if deps.Brands == nil {
		return nil, errors.New("usecase: brand configs must not be nil")
	}
	if deps.Emotions == nil {
		return nil, errors.New("usecase: emotion classifiers must not be nil")
	}
	if deps.Escalations == nil {
		return nil, errors.New("usecase: escalation policies must not be nil")
	}
	if deps.Retriever == nil {
		return nil, errors.New("usecase: retriever must not be nil")
	}
	if deps.Tools == nil {
		return nil, errors.New("usecase: tool invoker must not be nil")
	}
	if deps.LLM == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if deps.Sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SupportService{
		brands:      deps.Brands,
		emotions:    deps.Emotions,
		escalations: deps.Escalations,
		retriever:   deps.Retriever,
		tools:       deps.Tools,
		llm:         deps.LLM,
		sessions:    deps.Sessions,
		logger:      logger,
		limits:      limits.withDefaults(),
		locks:       newSessionLocks(),
		memories:    make(map[string]*memory.Memory),
	}, nil
}

// turn carries one inbound message through the state machine.
type turn struct {
	state State

	cfg     brand.Config
	mem     *memory.Memory
	engine  *escalation.Engine
	text    string
	at      time.Time
	loaded  domain.Session
	session domain.Session

	customer         domain.Turn
	plan             plan
	passages         []domain.RetrievalResult
	calls            []domain.ToolCall
	gen              escalation.Generation
	answer           string
	citations        []string
	decision         domain.EscalationDecision
	alreadyEscalated bool
	reply            string
}

// HandleMessage processes one customer message and returns the reply.
// An empty SessionID starts a new session.
func (s *SupportService) HandleMessage(ctx context.Context, in domain.Inbound) (domain.Outbound, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return domain.Outbound{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.limits.MaxMessageLen {
		return domain.Outbound{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	cfg, err := s.brandConfig(ctx, in.BrandID)
	if err != nil {
		return domain.Outbound{}, err
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newUUID()
	}
	at := in.Timestamp.UTC()
	if in.Timestamp.IsZero() {
		at = now()
	}

	unlock, err := s.locks.lock(ctx, cfg.BrandID+"/"+sessionID)
	if err != nil {
		return domain.Outbound{}, newError(ErrorCanceled, "request_canceled", err)
	}
	defer unlock()

	sess, isNew, err := s.loadSession(ctx, cfg.BrandID, sessionID)
	if err != nil {
		return domain.Outbound{}, err
	}
	if isNew {
		sess = domain.Session{
			ID:           sessionID,
			BrandID:      cfg.BrandID,
			Channel:      in.Channel,
			CreatedAt:    at,
			LastActiveAt: at,
			State:        domain.SessionOpen,
			Facts:        domain.FactSlate{},
		}
	}
	if sess.State == domain.SessionClosed {
		return domain.Outbound{}, newError(ErrorSessionClosed, "session_closed", nil)
	}
	if !isNew && at.Sub(sess.LastActiveAt) > s.limits.SessionTTL {
		if err := s.save(ctx, memory.Close(sess, at), sess.TurnCount, nil); err != nil {
			return domain.Outbound{}, err
		}
		s.logger.Info("session expired",
			"brand_id", cfg.BrandID,
			"session_id", sessionID,
			"idle", at.Sub(sess.LastActiveAt).String(),
		)
		return domain.Outbound{}, newError(ErrorSessionClosed, "session_expired", nil)
	}

	mem, err := s.memoryFor(cfg)
	if err != nil {
		return domain.Outbound{}, newError(ErrorInternal, "fact_patterns_error", err)
	}
	engine, err := s.escalations.For(cfg)
	if err != nil {
		return domain.Outbound{}, newError(ErrorInternal, "escalation_config_error", err)
	}

	t := &turn{
		state:   StateReceiving,
		cfg:     cfg,
		mem:     mem,
		engine:  engine,
		text:    text,
		at:      at,
		loaded:  sess,
		session: sess,
	}
	final, err := s.run(ctx, t)
	if err != nil {
		return domain.Outbound{}, err
	}

	toolsUsed := make([]string, 0, len(t.calls))
	for _, c := range t.calls {
		toolsUsed = append(toolsUsed, c.Name)
	}
	return domain.Outbound{
		SessionID: final.ID,
		Text:      t.reply,
		Escalated: t.state == StateEscalated,
		Emotion:   t.customer.Emotion.Label,
		ToolsUsed: toolsUsed,
		Citations: t.citations,
		State:     string(t.state),
	}, nil
}

// CloseSession ends a session. Closing a closed session is a no-op.
func (s *SupportService) CloseSession(ctx context.Context, brandID, sessionID string) error {
	cfg, err := s.brandConfig(ctx, brandID)
	if err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	unlock, err := s.locks.lock(ctx, cfg.BrandID+"/"+sessionID)
	if err != nil {
		return newError(ErrorCanceled, "request_canceled", err)
	}
	defer unlock()

	sess, isNew, err := s.loadSession(ctx, cfg.BrandID, sessionID)
	if err != nil {
		return err
	}
	if isNew {
		return newError(ErrorInvalidInput, "unknown_session", nil)
	}
	if sess.State == domain.SessionClosed {
		return nil
	}
	from := StateResponding
	if sess.State == domain.SessionEscalated {
		from = StateEscalated
	}
	if err := checkTransition(from, StateClosed); err != nil {
		return newError(ErrorInternal, "illegal_transition", err)
	}
	if err := s.save(ctx, memory.Close(sess, now()), sess.TurnCount, nil); err != nil {
		return err
	}
	s.logger.Info("session closed", "brand_id", cfg.BrandID, "session_id", sessionID)
	return nil
}

func (s *SupportService) run(ctx context.Context, t *turn) (domain.Session, error) {
	for !t.state.replies() {
		if err := ctx.Err(); err != nil {
			if t.customer.Seq == 0 {
				return domain.Session{}, newError(ErrorCanceled, "request_canceled", err)
			}
			return domain.Session{}, s.abandon(ctx, t)
		}
		next, err := s.step(ctx, t)
		if err != nil {
			return domain.Session{}, err
		}
		if err := checkTransition(t.state, next); err != nil {
			return domain.Session{}, newError(ErrorInternal, "illegal_transition", err)
		}
		s.logger.Debug("dialogue transition",
			"brand_id", t.cfg.BrandID,
			"session_id", t.session.ID,
			"from", string(t.state),
			"to", string(next),
		)
		t.state = next
	}
	if ctx.Err() != nil {
		return domain.Session{}, s.abandon(ctx, t)
	}
	return s.respond(ctx, t)
}

func (s *SupportService) step(ctx context.Context, t *turn) (State, error) {
	switch t.state {
	case StateReceiving:
		return StateClassifying, nil
	case StateClassifying:
		return s.classify(ctx, t)
	case StateEscalationCheckPre:
		return s.checkPre(t), nil
	case StateRetrievingOrDispatching:
		return s.gather(ctx, t), nil
	case StateGenerating:
		return s.generate(ctx, t), nil
	case StateEscalationCheckPost:
		return s.checkPost(t), nil
	}
	return "", newError(ErrorInternal, "unexpected_state", fmt.Errorf("usecase: no step for %s", t.state))
}

func (s *SupportService) classify(ctx context.Context, t *turn) (State, error) {
	reading, err := s.emotions.For(t.cfg).Classify(ctx, t.text, t.loaded.Turns)
	if err != nil || !reading.Label.Valid() {
		reading = domain.EmotionReading{Label: domain.EmotionNeutral, Confidence: 1}
	}
	updated, err := t.mem.AppendTurn(t.loaded, domain.Turn{
		Role:      domain.RoleCustomer,
		Text:      t.text,
		Emotion:   &reading,
		CreatedAt: t.at,
	})
	if err != nil {
		return "", newError(ErrorInternal, "append_turn_error", err)
	}
	t.session = updated
	t.customer = updated.Turns[len(updated.Turns)-1]

	if !t.loaded.IsOpen() {
		t.alreadyEscalated = true
		if t.loaded.Escalation != nil {
			t.decision = *t.loaded.Escalation
		}
		return StateEscalated, nil
	}
	return StateEscalationCheckPre, nil
}

func (s *SupportService) checkPre(t *turn) State {
	d := t.engine.Evaluate(escalation.Input{
		Phase:   domain.PhasePre,
		Session: t.loaded,
		Latest:  t.customer,
	})
	if d.Escalated {
		t.decision = d
		return StateEscalated
	}
	t.plan = planTurn(t.text, t.session.Facts, t.customer.Seq)
	return StateRetrievingOrDispatching
}

// gather runs retrieval and the planned tool calls concurrently. Neither
// fails the turn: missing evidence is judged by generation and the post
// check.
func (s *SupportService) gather(ctx context.Context, t *turn) State {
	if t.plan.clarify != "" {
		return StateGenerating
	}
	scope := tools.Scope{BrandID: t.cfg.BrandID, SessionID: t.session.ID, Policies: t.cfg.Policies}
	calls := make([]domain.ToolCall, len(t.plan.calls))

	var g errgroup.Group
	for i, c := range t.plan.calls {
		g.Go(func() error {
			calls[i] = s.tools.Invoke(ctx, scope, c.name, c.args, s.limits.ToolTimeout)
			return nil
		})
	}
	if t.plan.retrieve {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, s.limits.RetrievalTimeout)
			defer cancel()
			res, err := s.retriever.Search(rctx, t.cfg.BrandID, t.text, t.cfg.Retrieval.TopK, retrieval.MinScore(t.cfg.Retrieval.MinScore))
			if err != nil {
				return fmt.Errorf("knowledge retrieval: %w", err)
			}
			t.passages = res
			return nil
		})
	}
	// Tool goroutines never fail; a retrieval error only costs evidence.
	if err := g.Wait(); err != nil {
		s.logger.Warn("evidence gathering incomplete", "brand_id", t.cfg.BrandID, "session_id", t.session.ID, "err", err)
	}
	t.calls = calls
	return StateGenerating
}

func (s *SupportService) generate(ctx context.Context, t *turn) State {
	switch {
	case t.plan.clarify != "":
		t.answer = t.plan.clarify
		return StateEscalationCheckPost
	case t.plan.needsEvidence && len(t.passages) == 0 && len(t.calls) == 0:
		t.gen.InsufficientEvidence = true
		return StateEscalationCheckPost
	}

	t.gen.Attempted = true
	mctx := memory.GetContext(t.loaded, s.limits.MaxContextTurns)
	for k, f := range t.session.Facts {
		mctx.Facts[k] = f
	}
	messages := buildPromptMessages(promptContext{
		brand:    t.cfg,
		emotion:  *t.customer.Emotion,
		passages: t.passages,
		calls:    t.calls,
		facts:    mctx.Facts,
	}, t.text, mctx.Turns)

	for attempt := 1; attempt <= generationAttempts; attempt++ {
		ans, err := s.chat(ctx, t.cfg.Model, messages)
		if err == nil {
			if ans.InsufficientEvidence {
				t.gen.InsufficientEvidence = true
			} else {
				t.answer = ans.Answer
				t.citations = citations(ans.Sources, t.passages)
			}
			return StateEscalationCheckPost
		}
		status, _ := upstreamStatusCode(err)
		s.logger.Warn("generation attempt failed",
			"brand_id", t.cfg.BrandID,
			"session_id", t.session.ID,
			"attempt", attempt,
			"status", status,
			"err", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	t.gen.Failed = true
	return StateEscalationCheckPost
}

func (s *SupportService) chat(ctx context.Context, model string, messages []domain.ChatMessage) (groundedAnswerResponse, error) {
	gctx, cancel := context.WithTimeout(ctx, s.limits.GenerationTimeout)
	defer cancel()
	raw, err := s.llm.Chat(gctx, model, messages)
	if err != nil {
		return groundedAnswerResponse{}, err
	}
	return parseGroundedAnswer(raw)
}

func (s *SupportService) checkPost(t *turn) State {
	d := t.engine.Evaluate(escalation.Input{
		Phase:      domain.PhasePost,
		Session:    t.loaded,
		Latest:     t.customer,
		ToolCalls:  t.calls,
		Generation: t.gen,
	})
	if d.Escalated {
		t.decision = d
		return StateEscalated
	}
	return StateResponding
}

// respond appends the agent turn and persists both turns of the exchange.
func (s *SupportService) respond(ctx context.Context, t *turn) (domain.Session, error) {
	t.reply = t.answer
	switch {
	case t.alreadyEscalated:
		t.reply = escalation.AlreadyEscalatedMessage
	case t.state == StateEscalated:
		t.reply = escalation.HandoffMessage(t.cfg, t.decision.Reason)
		if t.gen.InsufficientEvidence {
			t.reply = insufficientReply + " " + t.reply
		}
	}

	final, err := t.mem.AppendTurn(t.session, domain.Turn{
		Role:      domain.RoleAgent,
		Text:      t.reply,
		ToolCalls: t.calls,
		Passages:  t.passages,
		CreatedAt: now(),
	})
	if err != nil {
		return domain.Session{}, newError(ErrorInternal, "append_turn_error", err)
	}
	if t.state == StateEscalated && !t.alreadyEscalated {
		d := t.decision
		final.State = domain.SessionEscalated
		final.Escalation = &d
	}
	agent := final.Turns[len(final.Turns)-1]
	if err := s.save(ctx, final, t.loaded.TurnCount, []domain.Turn{t.customer, agent}); err != nil {
		return domain.Session{}, err
	}

	s.logger.Info("turn completed",
		"brand_id", t.cfg.BrandID,
		"session_id", final.ID,
		"seq", agent.Seq,
		"state", string(t.state),
		"emotion", string(t.customer.Emotion.Label),
		"escalation_reason", t.decision.Reason,
		"escalation_phase", string(t.decision.Phase),
		"tool_calls", len(t.calls),
		"passages", len(t.passages),
	)
	return final, nil
}

// abandon persists what the turn produced before the caller went away.
// Tool calls already dispatched have resolved by now and are recorded on a
// system turn.
func (s *SupportService) abandon(ctx context.Context, t *turn) error {
	cause := ctx.Err()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	final, err := t.mem.AppendTurn(t.session, domain.Turn{
		Role:      domain.RoleSystem,
		Text:      abandonedNote,
		ToolCalls: t.calls,
		Passages:  t.passages,
		CreatedAt: now(),
	})
	if err == nil {
		err = s.sessions.SaveTurns(pctx, final, t.loaded.TurnCount, []domain.Turn{t.customer, final.Turns[len(final.Turns)-1]})
	}
	if err != nil {
		s.logger.Error("failed to persist abandoned turn",
			"brand_id", t.cfg.BrandID,
			"session_id", t.session.ID,
			"err", err,
		)
	} else {
		s.logger.Info("turn abandoned",
			"brand_id", t.cfg.BrandID,
			"session_id", t.session.ID,
			"state", string(t.state),
			"tool_calls", len(t.calls),
		)
	}
	return newError(ErrorCanceled, "request_canceled", cause)
}

func (s *SupportService) brandConfig(ctx context.Context, brandID string) (brand.Config, error) {
	brandID = strings.TrimSpace(brandID)
	if brandID == "" {
		return brand.Config{}, newError(ErrorInvalidInput, "missing_brand_id", nil)
	}
	cfg, err := s.brands.Get(ctx, brandID)
	if errors.Is(err, brand.ErrUnknownBrand) {
		return brand.Config{}, newError(ErrorInvalidInput, "unknown_brand", err)
	}
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok {
			if status == http.StatusTooManyRequests {
				return brand.Config{}, newError(ErrorRateLimited, "brand_config_throttled", err)
			}
			return brand.Config{}, newError(ErrorUpstream, "brand_config_unavailable", err)
		}
		return brand.Config{}, newError(ErrorInternal, "brand_config_error", err)
	}
	return cfg, nil
}

func (s *SupportService) loadSession(ctx context.Context, brandID, sessionID string) (domain.Session, bool, error) {
	sess, err := s.sessions.LoadSession(ctx, brandID, sessionID, s.limits.MaxContextTurns)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return domain.Session{}, true, nil
	}
	if err != nil {
		return domain.Session{}, false, newError(ErrorInternal, "session_read_error", err)
	}
	if sess.BrandID != brandID {
		return domain.Session{}, false, newError(ErrorInternal, "session_brand_mismatch",
			fmt.Errorf("usecase: session %s belongs to brand %q", sessionID, sess.BrandID))
	}
	if sess.Facts == nil {
		sess.Facts = domain.FactSlate{}
	}
	return sess, false, nil
}

func (s *SupportService) save(ctx context.Context, sess domain.Session, prevTurnCount int, turns []domain.Turn) error {
	err := s.sessions.SaveTurns(ctx, sess, prevTurnCount, turns)
	if errors.Is(err, domain.ErrConflict) {
		return newError(ErrorConflict, "session_conflict", err)
	}
	if err != nil {
		return newError(ErrorInternal, "session_write_error", err)
	}
	return nil
}

func (s *SupportService) memoryFor(cfg brand.Config) (*memory.Memory, error) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	if m, ok := s.memories[cfg.BrandID]; ok {
		return m, nil
	}
	ex, err := memory.NewExtractor(cfg.Facts, s.logger)
	if err != nil {
		return nil, err
	}
	m, err := memory.New(ex, s.limits.MaxContextTurns)
	if err != nil {
		return nil, err
	}
	s.memories[cfg.BrandID] = m
	return m, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}

var now = func() time.Time {
	return time.Now().UTC()
}
