// Package agent implements the agent-to-agent protocol surface: inbound
// structured messages are validated against the protocol schema, consent
// is checked, and accepted data requests are answered with a capability
// URL minted by the packaging service.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/packaging"
)

// Protocol message types.
const (
	TypeRequest  = "REQUEST"
	TypeResponse = "RESPONSE"
)

// Response statuses carried in RESPONSE content.
const (
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
)

// ProtocolVersion is stamped on responses when the request carries none.
const ProtocolVersion = "1.0"

var ErrBadMessage = errors.New("agent: invalid message")

// recipientPattern encodes the addressed user id.
var recipientPattern = regexp.MustCompile(`^tavren/user/(?P<user_id>[A-Za-z0-9_-]+)$`)

// Message is one protocol envelope. Content is free-form per message
// type; REQUEST content carries data_type and access_level.
type Message struct {
	Version     string         `json:"version"`
	MessageID   string         `json:"message_id"`
	Timestamp   string         `json:"timestamp"`
	Sender      string         `json:"sender"`
	Recipient   string         `json:"recipient"`
	MessageType string         `json:"message_type"`
	Content     map[string]any `json:"content"`
	InReplyTo   string         `json:"in_reply_to,omitempty"`
}

const messageSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["version", "message_id", "timestamp", "sender", "recipient", "message_type", "content"],
	"properties": {
		"version": {"type": "string", "minLength": 1},
		"message_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string", "minLength": 1},
		"sender": {"type": "string", "minLength": 1},
		"recipient": {"type": "string", "minLength": 1},
		"message_type": {"type": "string", "enum": ["REQUEST", "RESPONSE"]},
		"content": {"type": "object"},
		"in_reply_to": {"type": "string"}
	}
}`

var compileMessageSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://tavren.schemas.local/agent/message.schema.json"
	if err := c.AddResource(url, strings.NewReader(messageSchema)); err != nil {
		return nil, fmt.Errorf("agent: loading message schema: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("agent: compiling message schema: %w", err)
	}
	return compiled, nil
})

// ConsentChecker is the slice of the consent validator the handler needs.
type ConsentChecker interface {
	IsAllowed(ctx context.Context, userID, scope, purpose string) (*consent.Decision, error)
}

// PackageCreator mints data packages for accepted requests.
type PackageCreator interface {
	Create(ctx context.Context, req packaging.Request) (*packaging.Package, error)
}

// Ledger is the slice of the consent ledger the handler needs: it records
// the fresh grant behind each accepted request and reads history for
// decline suggestions.
type Ledger interface {
	Record(ctx context.Context, d consent.Draft) (*consent.Event, error)
	History(ctx context.Context, userID string) ([]*consent.Event, error)
}

// Handler processes inbound protocol messages.
type Handler struct {
	ledger    Ledger
	validator ConsentChecker
	packages  PackageCreator
	clock     func() time.Time
	newID     func() string
	log       *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(h *Handler) { h.clock = clock }
}

// NewHandler wires the protocol handler.
func NewHandler(ledger Ledger, validator ConsentChecker, packages PackageCreator, opts ...Option) *Handler {
	h := &Handler{
		ledger:    ledger,
		validator: validator,
		packages:  packages,
		clock:     time.Now,
		newID:     uuid.NewString,
		log:       slog.Default().With("component", "agent_handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle validates one raw protocol message and returns the response
// envelope. Schema violations, unknown recipients, and malformed content
// are ErrBadMessage; consent denials are well-formed declined responses.
func (h *Handler) Handle(ctx context.Context, raw []byte) (*Message, error) {
	msg, err := parseMessage(raw)
	if err != nil {
		return nil, err
	}

	userID, err := userFromRecipient(msg.Recipient)
	if err != nil {
		return nil, err
	}

	if msg.MessageType != TypeRequest {
		return nil, fmt.Errorf("%w: unsupported message type %q", ErrBadMessage, msg.MessageType)
	}
	return h.handleRequest(ctx, msg, userID)
}

func (h *Handler) handleRequest(ctx context.Context, msg *Message, userID string) (*Message, error) {
	dataType, ok := contentString(msg.Content, "data_type")
	if !ok {
		return nil, fmt.Errorf("%w: request content missing data_type", ErrBadMessage)
	}
	if _, err := packaging.SchemaFor(dataType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	accessLevel, ok := contentString(msg.Content, "access_level")
	if !ok {
		return nil, fmt.Errorf("%w: request content missing access_level", ErrBadMessage)
	}
	if !packaging.ValidAccessLevel(accessLevel) {
		return nil, fmt.Errorf("%w: unknown access_level %q", ErrBadMessage, accessLevel)
	}
	purpose, ok := contentString(msg.Content, "purpose")
	if !ok {
		purpose = "data_sharing"
	}

	decision, _ := h.validator.IsAllowed(ctx, userID, dataType, purpose)
	if !decision.Allowed {
		h.log.Info("agent request declined",
			"user_id", userID,
			"sender", msg.Sender,
			"data_type", dataType,
			"reason", decision.Reason)
		return h.decline(ctx, msg, userID, accessLevel, decision.Reason), nil
	}

	// The accepted request gets its own ledger event. The packaging
	// service re-validates against it, and the recorded access_level is
	// what future declines suggest as an alternative.
	grant, err := h.ledger.Record(ctx, consent.Draft{
		UserID:      userID,
		Action:      consent.ActionOptIn,
		InitiatedBy: consent.InitiatorAgent,
		Scope:       dataType,
		Purpose:     purpose,
		Metadata: consent.Metadata{
			"access_level": accessLevel,
			"message_id":   msg.MessageID,
			"agent":        msg.Sender,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("agent: recording grant: %w", err)
	}

	pkg, err := h.packages.Create(ctx, packaging.Request{
		UserID:      userID,
		DataType:    dataType,
		AccessLevel: accessLevel,
		ConsentID:   grant.ID,
		Purpose:     purpose,
		BuyerID:     msg.Sender,
		TrustTier:   stringOr(msg.Content, "trust_tier", ""),
	})
	if err != nil {
		return nil, fmt.Errorf("agent: creating package: %w", err)
	}
	if pkg.Status != packaging.StatusReady {
		return h.decline(ctx, msg, userID, accessLevel, pkg.Reason), nil
	}

	h.log.Info("agent request accepted",
		"user_id", userID,
		"sender", msg.Sender,
		"package_id", pkg.ID)
	return h.reply(msg, map[string]any{
		"status":         StatusAccepted,
		"package_id":     pkg.ID,
		"consent_id":     grant.ID,
		"capability_url": packaging.CapabilityURL(pkg.ID, pkg.AccessToken),
		"expires_at":     pkg.ExpiresAt.Format(time.RFC3339),
	}), nil
}

// decline builds the refused response, suggesting the most recent access
// level the user previously accepted when one differs from the request.
func (h *Handler) decline(ctx context.Context, msg *Message, userID, requested, reason string) *Message {
	content := map[string]any{
		"status": StatusDeclined,
		"reason": reason,
	}
	if alt := h.previousAcceptedLevel(ctx, userID, requested); alt != "" {
		content["suggested_access_level"] = alt
	}
	return h.reply(msg, content)
}

func (h *Handler) previousAcceptedLevel(ctx context.Context, userID, requested string) string {
	events, err := h.ledger.History(ctx, userID)
	if err != nil {
		h.log.Error("history lookup for decline suggestion failed", "user_id", userID, "error", err)
		return ""
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if !ev.IsGrant() {
			continue
		}
		level, ok := ev.Metadata["access_level"].(string)
		if !ok || level == "" || level == requested {
			continue
		}
		if !packaging.ValidAccessLevel(level) {
			continue
		}
		return level
	}
	return ""
}

// reply builds the response envelope addressed back at the sender.
func (h *Handler) reply(req *Message, content map[string]any) *Message {
	version := req.Version
	if version == "" {
		version = ProtocolVersion
	}
	return &Message{
		Version:     version,
		MessageID:   h.newID(),
		Timestamp:   h.clock().UTC().Format(time.RFC3339),
		Sender:      req.Recipient,
		Recipient:   req.Sender,
		MessageType: TypeResponse,
		Content:     content,
		InReplyTo:   req.MessageID,
	}
}

// parseMessage validates the raw envelope against the protocol schema
// before decoding it.
func parseMessage(raw []byte) (*Message, error) {
	compiled, err := compileMessageSchema()
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if err := compiled.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return &msg, nil
}

// userFromRecipient extracts the user id from a tavren/user/{id} address.
func userFromRecipient(recipient string) (string, error) {
	m := recipientPattern.FindStringSubmatch(recipient)
	if m == nil {
		return "", fmt.Errorf("%w: unrecognized recipient %q", ErrBadMessage, recipient)
	}
	return m[recipientPattern.SubexpIndex("user_id")], nil
}

func contentString(content map[string]any, key string) (string, bool) {
	v, ok := content[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func stringOr(content map[string]any, key, fallback string) string {
	if s, ok := contentString(content, key); ok {
		return s
	}
	return fallback
}
