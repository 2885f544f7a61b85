// Package confirm gates message sending behind an explicit,
// time-bounded, single-use approval step. A send request resolves the
// recipient up front and parks the validated values under a token; the
// later confirm call sends exactly what was shown at issue time and
// never re-reads caller-supplied values.
package confirm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tgra59/apple-mcp-enhanced/internal/apperr"
	"github.com/tgra59/apple-mcp-enhanced/internal/bridge"
	"github.com/tgra59/apple-mcp-enhanced/internal/cache"
	"github.com/tgra59/apple-mcp-enhanced/internal/phone"
)

// TTL is the fixed validity window for a pending confirmation.
const TTL = 5 * time.Minute

// affirmatives is the vocabulary accepted as approval. An absent
// response also counts as approval; anything else is a decline.
var affirmatives = map[string]struct{}{
	"yes": {}, "y": {}, "confirm": {}, "send": {}, "ok": {}, "proceed": {},
}

// Lookup is the resolver slice the workflow needs.
type Lookup interface {
	FindByName(query string) (cache.ContactEntry, int, bool)
	FindByPhone(rawNumber string) (cache.ContactEntry, bool)
	CapabilityFor(rawNumber string) *cache.CapabilityRecord
}

// Prober performs a live capability probe when the cache has no
// record. This fallback is the one reason a cache-backed issue call
// may incur bridge latency.
type Prober interface {
	ProbeNumber(ctx context.Context, number string) cache.CapabilityRecord
}

// Sender dispatches the message once confirmed.
type Sender interface {
	SendMessage(ctx context.Context, svc bridge.Service, number, body string) error
}

// Pending is one issued, not-yet-consumed confirmation. Held only in
// memory: tokens die with the process by design.
type Pending struct {
	Token          string
	RecipientName  string
	PhoneNumber    string
	Body           string
	Classification cache.Classification
	CreatedAt      time.Time
}

// Service owns the pending-confirmation ledger. Expired entries are
// swept lazily on every operation.
type Service struct {
	lookup Lookup
	prober Prober
	sender Sender
	log    *zap.Logger

	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[string]*Pending
}

// Option tweaks a Service; used by tests to control the clock.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

func NewService(lookup Lookup, prober Prober, sender Sender, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		lookup:  lookup,
		prober:  prober,
		sender:  sender,
		log:     log,
		ttl:     TTL,
		now:     time.Now,
		pending: make(map[string]*Pending),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueResult is what the dispatch layer shows the user before asking
// for approval.
type IssueResult struct {
	Token          string               `json:"token"`
	RecipientName  string               `json:"recipient_name"`
	PhoneNumber    string               `json:"phone_number"`
	Classification cache.Classification `json:"classification"`
	Confidence     float64              `json:"confidence"`
	Summary        string               `json:"summary"`
}

// Issue resolves the recipient, classifies the message path, and parks
// the send behind a fresh token. It never performs the send. Returns
// apperr.ErrNoMatch when the query resolves to nothing.
func (s *Service) Issue(ctx context.Context, recipientQuery, message string) (*IssueResult, error) {
	s.sweepExpired()

	name, number, err := s.resolveRecipient(recipientQuery)
	if err != nil {
		return nil, err
	}

	record := s.lookup.CapabilityFor(number)
	if record == nil {
		live := s.prober.ProbeNumber(ctx, canonicalOr(number))
		record = &live
	}

	now := s.now()
	token := newToken(now)
	p := &Pending{
		Token:          token,
		RecipientName:  name,
		PhoneNumber:    number,
		Body:           message,
		Classification: record.Classification,
		CreatedAt:      now,
	}
	s.mu.Lock()
	s.pending[token] = p
	s.mu.Unlock()

	s.log.Info("confirmation issued",
		zap.String("token", token),
		zap.String("recipient", name),
		zap.String("classification", string(record.Classification)))

	return &IssueResult{
		Token:          token,
		RecipientName:  name,
		PhoneNumber:    number,
		Classification: record.Classification,
		Confidence:     record.Confidence,
		Summary: fmt.Sprintf("Send to %s (%s) via %s: %q",
			name, number, serviceFor(record.Classification), message),
	}, nil
}

// Outcome classifies a Confirm result.
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeDeclined     Outcome = "declined"
	OutcomeInvalidToken Outcome = "invalid_or_expired"
	OutcomeSendFailed   Outcome = "send_failed"
)

// ConfirmResult is the structured outcome of a Confirm call. Expected
// conditions (bad token, decline) are reported here, not as errors.
type ConfirmResult struct {
	Success       bool    `json:"success"`
	Outcome       Outcome `json:"outcome"`
	Message       string  `json:"message"`
	RecipientName string  `json:"recipient_name,omitempty"`
	PhoneNumber   string  `json:"phone_number,omitempty"`
}

// Confirm consumes a token. An absent or expired token is rejected; a
// response outside the affirmative vocabulary deletes the token as a
// decline; otherwise the stored, validated values are sent through the
// bridge. On a send failure the token is kept so the caller may retry
// within the validity window.
func (s *Service) Confirm(ctx context.Context, token, userResponse string) (*ConfirmResult, error) {
	s.sweepExpired()

	s.mu.Lock()
	p, ok := s.pending[token]
	if !ok {
		s.mu.Unlock()
		return &ConfirmResult{
			Outcome: OutcomeInvalidToken,
			Message: apperr.ErrInvalidToken.Error(),
		}, nil
	}
	resp := strings.ToLower(strings.TrimSpace(userResponse))
	if resp != "" {
		if _, affirmative := affirmatives[resp]; !affirmative {
			delete(s.pending, token)
			s.mu.Unlock()
			s.log.Info("confirmation declined", zap.String("token", token))
			return &ConfirmResult{
				Outcome:       OutcomeDeclined,
				Message:       fmt.Sprintf("%v: %q", apperr.ErrDeclined, userResponse),
				RecipientName: p.RecipientName,
				PhoneNumber:   p.PhoneNumber,
			}, nil
		}
	}
	// Consume before sending so a concurrent confirm of the same token
	// cannot double-send.
	delete(s.pending, token)
	s.mu.Unlock()

	if err := s.sender.SendMessage(ctx, serviceFor(p.Classification), p.PhoneNumber, p.Body); err != nil {
		s.log.Error("send failed", zap.String("token", token), zap.Error(err))
		s.mu.Lock()
		s.pending[token] = p
		s.mu.Unlock()
		return &ConfirmResult{
			Outcome:       OutcomeSendFailed,
			Message:       err.Error(),
			RecipientName: p.RecipientName,
			PhoneNumber:   p.PhoneNumber,
		}, nil
	}

	return &ConfirmResult{
		Success:       true,
		Outcome:       OutcomeSent,
		Message:       fmt.Sprintf("Message sent to %s", p.RecipientName),
		RecipientName: p.RecipientName,
		PhoneNumber:   p.PhoneNumber,
	}, nil
}

// PendingCount reports the live ledger size after a sweep.
func (s *Service) PendingCount() int {
	s.sweepExpired()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// resolveRecipient tries the direct-number path first, then fuzzy name
// resolution. The returned number prefers a form already in
// international canonical shape.
func (s *Service) resolveRecipient(query string) (name, number string, err error) {
	if canon, ok := phone.Normalize(query); ok {
		name = canon
		if entry, found := s.lookup.FindByPhone(canon); found {
			name = entry.Name
		}
		return name, canon, nil
	}

	entry, _, found := s.lookup.FindByName(query)
	if !found {
		return "", "", fmt.Errorf("%w: %q", apperr.ErrNoMatch, query)
	}
	return entry.Name, bestNumber(entry.PhoneNumbers), nil
}

// bestNumber prefers a +-prefixed number over an unformatted one.
func bestNumber(numbers []string) string {
	for _, n := range numbers {
		if strings.HasPrefix(strings.TrimSpace(n), "+") {
			return strings.TrimSpace(n)
		}
	}
	if len(numbers) > 0 {
		return strings.TrimSpace(numbers[0])
	}
	return ""
}

func canonicalOr(number string) string {
	if canon, ok := phone.Normalize(number); ok {
		return canon
	}
	return number
}

func serviceFor(cls cache.Classification) bridge.Service {
	if cls == cache.ClassificationSMS {
		return bridge.ServiceSMS
	}
	// Unknown numbers try iMessage first; Messages falls back itself.
	return bridge.ServiceIMessage
}

// newToken embeds the creation time plus a random component, making a
// collision within the validity window negligible at realistic rates.
func newToken(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), strings.Split(uuid.NewString(), "-")[0])
}

func (s *Service) sweepExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, p := range s.pending {
		if now.Sub(p.CreatedAt) > s.ttl {
			delete(s.pending, token)
		}
	}
}
