// Package coord is the coordination store shared by the processes that drive
// jobs. It lives in a NATS JetStream key-value bucket and provides the apply
// lock, the cancellation flag and stage event publishing.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

var (
	// ErrLockHeld is returned when another holder owns an unexpired apply lock.
	ErrLockHeld = errors.New("apply lock is held")

	// ErrCancelled is the cancellation cause set by WatchCancellation.
	ErrCancelled = errors.New("job cancelled")

	// ErrInvalidJobID is returned for job IDs that cannot form a bucket key.
	ErrInvalidJobID = errors.New("invalid job id")
)

const (
	lockPrefix   = "lock."
	cancelPrefix = "cancel."
)

// Config configures the coordination store.
type Config struct {
	// Bucket is the JetStream key-value bucket. Default: draftpr_jobs
	Bucket string

	// LockTTL bounds how long an apply lock survives its holder. Default: 30m
	LockTTL time.Duration

	// PollInterval is how often WatchCancellation reads the flag. Default: 2s
	PollInterval time.Duration

	// Subject prefixes stage event subjects. Default: draftpr.jobs
	Subject string
}

func (c *Config) applyDefaults() {
	if c.Bucket == "" {
		c.Bucket = "draftpr_jobs"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Subject == "" {
		c.Subject = "draftpr.jobs"
	}
}

// Store is a coordination store bound to one bucket.
type Store struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	cfg    Config
	owned  bool
	logger *zap.Logger
	now    func() time.Time
}

// Connect dials url and opens the store. The connection is closed by Close.
func Connect(ctx context.Context, url string, cfg Config, logger *zap.Logger) (*Store, error) {
	nc, err := nats.Connect(url,
		nats.Name("draftpr"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	s, err := New(ctx, nc, cfg, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New opens the store on an existing connection, creating the bucket if needed.
func New(ctx context.Context, nc *nats.Conn, cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "draftpr job coordination",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bucket %s: %w", cfg.Bucket, err)
	}
	return &Store{nc: nc, kv: kv, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Close closes the connection if the store opened it.
func (s *Store) Close() {
	if s.owned {
		s.nc.Close()
	}
}

// lockRecord is the value stored under a lock key.
type lockRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Lock is a held apply lock.
type Lock struct {
	store    *Store
	key      string
	owner    string
	revision uint64
}

// Owner returns the lock holder identity.
func (l *Lock) Owner() string { return l.owner }

// AcquireApplyLock takes the apply lock for jobID if it is absent or expired.
// It returns ErrLockHeld when another holder owns a live lock.
func (s *Store) AcquireApplyLock(ctx context.Context, jobID, owner string) (*Lock, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	if owner == "" {
		owner = defaultOwner()
	}
	key := lockPrefix + jobID
	value, err := json.Marshal(lockRecord{Owner: owner, ExpiresAt: s.now().Add(s.cfg.LockTTL).UTC()})
	if err != nil {
		return nil, err
	}

	rev, err := s.kv.Create(ctx, key, value)
	if err == nil {
		s.logger.Debug("acquired apply lock", zap.String("job_id", jobID), zap.String("owner", owner))
		return &Lock{store: s, key: key, owner: owner, revision: rev}, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return nil, fmt.Errorf("acquiring apply lock for %s: %w", jobID, err)
	}

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			// Released between Create and Get.
			return s.AcquireApplyLock(ctx, jobID, owner)
		}
		return nil, fmt.Errorf("reading apply lock for %s: %w", jobID, err)
	}
	var current lockRecord
	if err := json.Unmarshal(entry.Value(), &current); err == nil && s.now().Before(current.ExpiresAt) {
		return nil, fmt.Errorf("%w: job %s locked by %s until %s",
			ErrLockHeld, jobID, current.Owner, current.ExpiresAt.Format(time.RFC3339))
	}

	// Expired or unreadable: take over only if nobody else did first.
	rev, err = s.kv.Update(ctx, key, value, entry.Revision())
	if err != nil {
		return nil, fmt.Errorf("%w: job %s lock changed while taking over expired lock", ErrLockHeld, jobID)
	}
	s.logger.Warn("took over expired apply lock",
		zap.String("job_id", jobID),
		zap.String("previous_owner", current.Owner),
		zap.String("owner", owner),
	)
	return &Lock{store: s, key: key, owner: owner, revision: rev}, nil
}

// Release deletes the lock if it is still ours. Releasing a lock that was
// taken over after expiry is not an error.
func (l *Lock) Release(ctx context.Context) error {
	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(l.revision))
	if err == nil {
		return nil
	}
	if entry, gerr := l.store.kv.Get(ctx, l.key); gerr == nil && entry.Revision() != l.revision {
		l.store.logger.Warn("apply lock was taken over before release", zap.String("key", l.key))
		return nil
	} else if errors.Is(gerr, jetstream.ErrKeyNotFound) {
		return nil
	}
	return fmt.Errorf("releasing %s: %w", l.key, err)
}

// LockApply adapts AcquireApplyLock to a release callback.
func (s *Store) LockApply(ctx context.Context, jobID string) (func(context.Context) error, error) {
	l, err := s.AcquireApplyLock(ctx, jobID, "")
	if err != nil {
		return nil, err
	}
	return l.Release, nil
}

// cancelRecord is the value stored under a cancel key.
type cancelRecord struct {
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// RequestCancel raises the cancellation flag for jobID.
func (s *Store) RequestCancel(ctx context.Context, jobID, reason string) error {
	if err := validateJobID(jobID); err != nil {
		return err
	}
	value, err := json.Marshal(cancelRecord{Reason: reason, RequestedAt: s.now().UTC()})
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, cancelPrefix+jobID, value); err != nil {
		return fmt.Errorf("requesting cancellation of %s: %w", jobID, err)
	}
	s.logger.Info("cancellation requested", zap.String("job_id", jobID), zap.String("reason", reason))
	return nil
}

// IsCancelled reports whether the cancellation flag is set for jobID.
func (s *Store) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	if err := validateJobID(jobID); err != nil {
		return false, err
	}
	_, err := s.kv.Get(ctx, cancelPrefix+jobID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("reading cancellation flag for %s: %w", jobID, err)
	}
}

// ClearCancel lowers the cancellation flag.
func (s *Store) ClearCancel(ctx context.Context, jobID string) error {
	if err := validateJobID(jobID); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, cancelPrefix+jobID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("clearing cancellation flag for %s: %w", jobID, err)
	}
	return nil
}

// WatchCancellation returns a context that is cancelled with ErrCancelled
// once the flag for jobID is raised. The poller stops when stop is called or
// parent is done.
func (s *Store) WatchCancellation(parent context.Context, jobID string) (ctx context.Context, stop context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			cancelled, err := s.IsCancelled(ctx, jobID)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("cancellation poll failed", zap.String("job_id", jobID), zap.Error(err))
				}
				continue
			}
			if cancelled {
				s.logger.Info("cancellation observed", zap.String("job_id", jobID))
				cancel(ErrCancelled)
				return
			}
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

// Publish sends event as JSON on <subject>.<jobID>.
func (s *Store) Publish(_ context.Context, jobID string, event any) error {
	if err := validateJobID(jobID); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := s.nc.Publish(s.EventSubject(jobID), data); err != nil {
		return fmt.Errorf("publishing event for %s: %w", jobID, err)
	}
	return nil
}

// EventSubject is the subject stage events for jobID are published on.
func (s *Store) EventSubject(jobID string) string {
	return s.cfg.Subject + "." + jobID
}

func validateJobID(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidJobID)
	}
	for _, r := range jobID {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_'
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
		}
	}
	return nil
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}
