package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenda/agenda/internal/domain/scheduling"
	"github.com/agenda/agenda/internal/platform/middleware"
)

// sender is implemented by publishers backed by a broker.
type sender interface {
	send(ctx context.Context, subject string, data []byte) error
}

// AuditEnvelope is the wire form of an audited request.
type AuditEnvelope struct {
	MessageID   string                `json:"message_id"`
	NodeID      string                `json:"node_id"`
	PublishedAt time.Time             `json:"published_at"`
	Entry       middleware.AuditEntry `json:"entry"`
}

// AuditPublisher ships request audit entries over the same broker as the
// scheduling events, on <prefix>.audit.
type AuditPublisher struct {
	out     sender
	subject string
	nodeID  string
}

// NewAuditPublisher reports false when p writes only to the log, where the
// audit middleware already records every entry.
func NewAuditPublisher(p scheduling.Publisher, prefix string) (*AuditPublisher, bool) {
	var out sender
	switch v := p.(type) {
	case *BreakerPublisher:
		if _, ok := v.next.(sender); !ok {
			return nil, false
		}
		out = v
	case sender:
		out = v
	default:
		return nil, false
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &AuditPublisher{out: out, subject: prefix + ".audit", nodeID: NodeID()}, true
}

func (p *AuditPublisher) RecordAccess(ctx context.Context, entry middleware.AuditEntry) error {
	data, err := json.Marshal(AuditEnvelope{
		MessageID:   uuid.NewString(),
		NodeID:      p.nodeID,
		PublishedAt: time.Now().UTC(),
		Entry:       entry,
	})
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	return p.out.send(ctx, p.subject, data)
}

// DecodeAudit parses an audit envelope received from the broker.
func DecodeAudit(data []byte) (*AuditEnvelope, error) {
	var env AuditEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode audit envelope: %w", err)
	}
	return &env, nil
}
