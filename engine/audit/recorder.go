package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

type RetryConfig struct {
	MaxRetries uint64        `koanf:"max_retries" json:"max_retries" yaml:"max_retries"`
	Base       time.Duration `koanf:"base"        json:"base"        yaml:"base"`
	MaxElapsed time.Duration `koanf:"max_elapsed" json:"max_elapsed" yaml:"max_elapsed"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, Base: 20 * time.Millisecond, MaxElapsed: 2 * time.Second}
}

// Backoff builds the go-retry policy for cfg.
func (c RetryConfig) Backoff() retry.Backoff {
	base := c.Base
	if base <= 0 {
		base = DefaultRetryConfig().Base
	}
	b := retry.NewExponential(base)
	if c.MaxElapsed > 0 {
		b = retry.WithMaxDuration(c.MaxElapsed, b)
	}
	return retry.WithMaxRetries(c.MaxRetries, b)
}

// Recorder stamps records with a sequence number, a UUIDv7 id and a UTC
// timestamp, then fans them out to every sink. Sink failures are retried
// and logged, never returned.
type Recorder struct {
	mu        sync.Mutex
	sessionID string
	seq       uint64
	sinks     []Sink
	retry     RetryConfig
	now       func() time.Time
	logger    logger.Logger
}

type Option func(*Recorder)

func WithRetry(cfg RetryConfig) Option {
	return func(r *Recorder) {
		r.retry = cfg
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

func WithLogger(l logger.Logger) Option {
	return func(r *Recorder) {
		r.logger = l
	}
}

// WithSequence continues numbering after seq, for resumed sessions.
func WithSequence(seq uint64) Option {
	return func(r *Recorder) {
		r.seq = seq
	}
}

func NewRecorder(sessionID string, sinks []Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sessionID: sessionID,
		sinks:     sinks,
		retry:     DefaultRetryConfig(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) SessionID() string {
	return r.sessionID
}

// Seq returns the sequence number of the last record.
func (r *Recorder) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Record appends one entry and returns it as stored.
func (r *Recorder) Record(ctx context.Context, kind Kind, event string, payload map[string]any) Record {
	if r == nil {
		return Record{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	rec := Record{
		ID:        newRecordID(),
		Seq:       r.seq,
		SessionID: r.sessionID,
		Kind:      kind,
		Event:     event,
		Timestamp: r.now().UTC(),
		Payload:   payload,
	}
	// Writes outlive a canceled session so the closing records still land.
	wctx := context.WithoutCancel(ctx)
	for _, sink := range r.sinks {
		if err := r.write(wctx, sink, rec); err != nil {
			r.log(ctx).Error("Failed to write audit record", "kind", kind, "seq", rec.Seq, "error", err)
		}
	}
	return rec
}

func (r *Recorder) write(ctx context.Context, sink Sink, rec Record) error {
	return retry.Do(ctx, r.retry.Backoff(), func(ctx context.Context) error {
		err := sink.Append(ctx, rec)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func (r *Recorder) log(ctx context.Context) logger.Logger {
	if r.logger != nil {
		return r.logger
	}
	return logger.FromContext(ctx)
}

// ErrPermanent marks sink errors that retrying cannot fix.
var ErrPermanent = errors.New("permanent audit sink error")

func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
