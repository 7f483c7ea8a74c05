// Package hook adapts host-runtime events (tool calls, incoming messages,
// the reauth command) onto the verification session manager.
package hook

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/scan-gate/internal/domain"
)

const notifyTimeout = 10 * time.Second

// Sessions is the part of session.Manager the hooks use.
type Sessions interface {
	IsTrusted(userID string, purpose domain.Purpose) bool
	CreateSession(ctx context.Context, userID string, purpose domain.Purpose, octx domain.OriginalContext) (domain.AuthSession, error)
	GetSession(id string) (domain.AuthSession, bool)
	LiveSession(userID string, purpose domain.Purpose) (domain.AuthSession, bool)
	ClearGrant(userID string, purpose domain.Purpose)
	RegisterPendingExecution(userID, sessionID string)
	GetAndClearPendingExecution(userID string) (domain.PendingExecution, bool)
}

// ToolCall is a tool invocation the host runtime is about to perform.
type ToolCall struct {
	UserID    string
	ToolName  string
	Params    map[string]any
	Channel   string
	To        string
	AccountID string
}

// Message is an inbound chat message.
type Message struct {
	UserID    string
	Content   string
	Channel   string
	To        string
	AccountID string
}

// Decision tells the host runtime whether to proceed.
type Decision struct {
	Allow     bool
	Reason    string
	SessionID string
	VerifyURL string
}

// GateConfig configures a Gate.
type GateConfig struct {
	SensitiveKeywords    []string
	FirstContactRequired bool
	VerifyURL            func(sessionID string) string
}

// Gate decides which actions need verification and resumes them afterwards.
type Gate struct {
	sessions             Sessions
	notifier             Notifier
	matcher              *KeywordMatcher
	firstContactRequired bool
	verifyURL            func(string) string
	logger               *slog.Logger

	wg sync.WaitGroup
}

// NewGate creates a gate.
func NewGate(sessions Sessions, notifier Notifier, cfg GateConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Gate{
		sessions:             sessions,
		notifier:             notifier,
		matcher:              NewKeywordMatcher(cfg.SensitiveKeywords),
		firstContactRequired: cfg.FirstContactRequired,
		verifyURL:            cfg.VerifyURL,
		logger:               logger,
	}
}

// BeforeToolCall blocks tool calls whose command text carries a sensitive
// keyword unless the user verified recently. A blocked call is registered
// for automatic resubmission once the user verifies.
func (g *Gate) BeforeToolCall(ctx context.Context, call ToolCall) Decision {
	command := commandText(call)
	keyword, ok := g.matcher.Match(command)
	if !ok {
		return Decision{Allow: true}
	}
	if g.sessions.IsTrusted(call.UserID, domain.PurposeSensitiveOperation) {
		return Decision{Allow: true}
	}

	s, err := g.sessions.CreateSession(ctx, call.UserID, domain.PurposeSensitiveOperation, domain.OriginalContext{
		Channel:    call.Channel,
		To:         call.To,
		AccountID:  call.AccountID,
		Command:    command,
		ToolName:   call.ToolName,
		ToolParams: call.Params,
	})
	if err != nil {
		g.logger.Error("Failed to create verification session", "user_id", call.UserID, "error", err)
		return Decision{Reason: "This operation requires identity verification, which is currently unavailable."}
	}
	g.sessions.RegisterPendingExecution(call.UserID, s.ID)

	url := g.url(s.ID)
	g.logger.Info("Sensitive operation blocked",
		"user_id", call.UserID,
		"tool_name", call.ToolName,
		"keyword", keyword,
		"session_id", s.ID)
	g.send(ctx, Notification{
		Channel:   call.Channel,
		To:        call.To,
		AccountID: call.AccountID,
		Text:      fmt.Sprintf("This operation needs verification. Open %s to continue; it will run automatically once you verify.", url),
	})
	return Decision{
		Reason:    fmt.Sprintf("Sensitive operation (%q) requires verification: %s", keyword, url),
		SessionID: s.ID,
		VerifyURL: url,
	}
}

// OnMessageReceived gates a user's first contact when that is enabled.
// Repeated messages before verification reuse the same link.
func (g *Gate) OnMessageReceived(ctx context.Context, msg Message) Decision {
	if !g.firstContactRequired {
		return Decision{Allow: true}
	}
	if g.sessions.IsTrusted(msg.UserID, domain.PurposeFirstContact) {
		return Decision{Allow: true}
	}

	s, ok := g.sessions.LiveSession(msg.UserID, domain.PurposeFirstContact)
	if !ok {
		var err error
		s, err = g.sessions.CreateSession(ctx, msg.UserID, domain.PurposeFirstContact, domain.OriginalContext{
			Channel:   msg.Channel,
			To:        msg.To,
			AccountID: msg.AccountID,
			Command:   msg.Content,
		})
		if err != nil {
			g.logger.Error("Failed to create verification session", "user_id", msg.UserID, "error", err)
			return Decision{Reason: "Verification is required but currently unavailable."}
		}
	}

	url := g.url(s.ID)
	g.send(ctx, Notification{
		Channel:   msg.Channel,
		To:        msg.To,
		AccountID: msg.AccountID,
		Text:      fmt.Sprintf("Please verify your identity before chatting: %s", url),
	})
	return Decision{
		Reason:    "first contact requires verification",
		SessionID: s.ID,
		VerifyURL: url,
	}
}

// Reauth drops every grant of userID so the next gated action asks again.
func (g *Gate) Reauth(_ context.Context, userID string) string {
	g.sessions.ClearGrant(userID, domain.PurposeFirstContact)
	g.sessions.ClearGrant(userID, domain.PurposeSensitiveOperation)
	g.logger.Info("User requested re-authentication", "user_id", userID)
	return "Your verification has been reset. You will be asked to verify again."
}

// HandleVerified is registered as the manager's OnVerified callback. It
// notifies the user and resubmits the pending action in the background.
func (g *Gate) HandleVerified(s domain.AuthSession) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		text := "Verification successful. You can continue chatting."
		if s.Purpose == domain.PurposeSensitiveOperation {
			text = "Verification successful. Resuming your operation."
		}
		g.send(ctx, Notification{
			Channel:   s.Context.Channel,
			To:        s.Context.To,
			AccountID: s.Context.AccountID,
			Text:      text,
		})

		if s.Purpose != domain.PurposeSensitiveOperation {
			return
		}
		pe, ok := g.sessions.GetAndClearPendingExecution(s.UserID)
		if !ok {
			g.logger.Info("No pending execution to resume", "user_id", s.UserID, "session_id", s.ID)
			return
		}
		octx := s.Context
		if pe.SessionID != s.ID {
			// a later block replaced this one; resume the latest action
			other, found := g.sessions.GetSession(pe.SessionID)
			if !found {
				g.logger.Warn("Pending execution refers to a resolved session", "user_id", s.UserID, "session_id", pe.SessionID)
				return
			}
			octx = other.Context
		}

		err := g.notifier.Resubmit(ctx, Resubmission{
			UserID:     s.UserID,
			Channel:    octx.Channel,
			To:         octx.To,
			AccountID:  octx.AccountID,
			Command:    octx.Command,
			ToolName:   octx.ToolName,
			ToolParams: octx.ToolParams,
		})
		if err != nil {
			g.logger.Error("Failed to resubmit pending execution", "user_id", s.UserID, "session_id", pe.SessionID, "error", err)
			return
		}
		g.logger.Info("Pending execution resubmitted", "user_id", s.UserID, "session_id", pe.SessionID)
	}()
}

// Wait blocks until background notifications have finished.
func (g *Gate) Wait() {
	g.wg.Wait()
}

func (g *Gate) url(sessionID string) string {
	if g.verifyURL == nil {
		return "/mfa-auth/" + sessionID
	}
	return g.verifyURL(sessionID)
}

func (g *Gate) send(ctx context.Context, n Notification) {
	if err := g.notifier.Send(ctx, n); err != nil {
		g.logger.Warn("Failed to deliver notification", "channel", n.Channel, "to", n.To, "error", err)
	}
}

// commandText returns the text scanned for keywords: the "command"
// parameter when present, otherwise the tool name followed by string
// parameter values in key order.
func commandText(call ToolCall) string {
	if cmd, ok := call.Params["command"].(string); ok && cmd != "" {
		return cmd
	}
	keys := make([]string, 0, len(call.Params))
	for k := range call.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{call.ToolName}
	for _, k := range keys {
		if v, ok := call.Params[k].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}
