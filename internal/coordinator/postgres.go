package coordinator

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"ratelimiter/internal/config"
	"ratelimiter/internal/limiter"
	"ratelimiter/internal/telemetry"
)

// Schema assumed present on the coordinator database (migrations are an
// operational concern outside this package's scope):
//
//	CREATE TABLE ratelimiter_instances (
//	    instance_id text PRIMARY KEY,
//	    secret_hash text NOT NULL,
//	    declared_capacity bigint NOT NULL,
//	    last_heartbeat timestamptz NOT NULL DEFAULT now()
//	);
//	CREATE TABLE ratelimiter_model_usage (
//	    model_id text PRIMARY KEY,
//	    requests_inflight bigint NOT NULL DEFAULT 0,
//	    capacity bigint NOT NULL DEFAULT 0
//	);
//
// Allocation pushes ride Postgres NOTIFY on channel
// ratelimiter_allocation, payload a JSON-encoded wire allocation.

const notifyChannel = "ratelimiter_allocation"
const acquireCacheTTL = 10 * time.Second

// wireAllocation is the JSON shape carried over LISTEN/NOTIFY, since
// pq.Notification payloads are capped and must be plain text.
type wireAllocation struct {
	ModelID    string                             `json:"modelId"`
	InstanceCt int                                `json:"instanceCount"`
	Dynamic    bool                               `json:"dynamicLimits"`
	PerModel   map[string]limiter.ModelAllocation `json:"perModel,omitempty"`
}

// acquireCacheEntry is the fast-path negative cache for Acquire, mirroring
// a circuit breaker's short-TTL status cache: once a model is observed
// exhausted, skip the round trip to Postgres until the TTL expires rather
// than hammering the database under sustained pressure.
type acquireCacheEntry struct {
	exhausted bool
	expiresAt time.Time
}

// Postgres is a fleet-coordinated CoordinatorClient backed by a shared
// Postgres database: acquire/release as row mutations, LISTEN/NOTIFY for
// allocation pub/sub. Grounded in the teacher's storage/postgres
// connection setup and the circuit breaker's sync.Map TTL-cache pattern
// for the acquire fast path.
type Postgres struct {
	db     *sql.DB
	cfg    *config.DatabaseConfig
	logger *slog.Logger

	cacheMu sync.Mutex
	cache   map[string]acquireCacheEntry

	listener   *pq.Listener
	listenerMu sync.Mutex

	metrics *telemetry.Metrics
}

// SetMetrics attaches a telemetry.Metrics instance, recording acquire
// results, release errors, and heartbeat failures as they occur.
func (p *Postgres) SetMetrics(m *telemetry.Metrics) {
	p.metrics = m
}

// NewPostgres opens a connection pool against cfg and returns a ready
// coordinator. It does not register an instance; call Register for that.
func NewPostgres(cfg *config.DatabaseConfig, logger *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("opening coordinator database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxAge)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging coordinator database: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Postgres{db: db, cfg: cfg, logger: logger, cache: make(map[string]acquireCacheEntry)}, nil
}

// Close releases the underlying connection pool and any active listener.
func (p *Postgres) Close() error {
	p.listenerMu.Lock()
	if p.listener != nil {
		p.listener.Close()
	}
	p.listenerMu.Unlock()
	return p.db.Close()
}

// Register generates a random instance secret, bcrypt-hashes it for
// storage, and upserts this instance's row. The secret itself never
// leaves this process; only its hash is persisted. This is infrastructure
// authentication for fleet membership, not job-level authentication,
// which is explicitly out of scope for the core.
func (p *Postgres) Register(ctx context.Context, instanceID string, declaredCapacity int64) (limiter.Allocation, limiter.Unsubscribe, error) {
	secret, err := randomSecret()
	if err != nil {
		return limiter.Allocation{}, nil, fmt.Errorf("generating instance secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return limiter.Allocation{}, nil, fmt.Errorf("hashing instance secret: %w", err)
	}

	err = withRetry(ctx, defaultRetry, func() error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO ratelimiter_instances (instance_id, secret_hash, declared_capacity, last_heartbeat)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (instance_id) DO UPDATE SET
				secret_hash = EXCLUDED.secret_hash,
				declared_capacity = EXCLUDED.declared_capacity,
				last_heartbeat = now()
		`, instanceID, string(hash), declaredCapacity)
		return err
	})
	if err != nil {
		return limiter.Allocation{}, nil, fmt.Errorf("registering instance: %w", err)
	}

	alloc, err := p.currentAllocation(ctx)
	if err != nil {
		p.logger.Warn("failed to read initial allocation, starting with local-only capacity", "error", err)
		alloc = limiter.Allocation{}
	}

	unsub := func() {
		_, err := p.db.Exec(`DELETE FROM ratelimiter_instances WHERE instance_id = $1`, instanceID)
		if err != nil {
			p.logger.Warn("failed to unregister instance", "instance_id", instanceID, "error", err)
		}
	}
	return alloc, unsub, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (p *Postgres) currentAllocation(ctx context.Context) (limiter.Allocation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT model_id, capacity FROM ratelimiter_model_usage`)
	if err != nil {
		return limiter.Allocation{}, err
	}
	defer rows.Close()

	var count int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM ratelimiter_instances`).Scan(&count); err != nil {
		return limiter.Allocation{}, err
	}

	perModel := make(map[string]limiter.ModelAllocation)
	for rows.Next() {
		var modelID string
		var capacity int64
		if err := rows.Scan(&modelID, &capacity); err != nil {
			return limiter.Allocation{}, err
		}
		perModel[modelID] = limiter.ModelAllocation{TotalSlots: capacity}
	}
	return limiter.Allocation{InstanceCount: count, PerModel: perModel}, rows.Err()
}

// Acquire checks and reserves one slot of fleet-wide capacity for the
// requested model with a read-through 10s negative cache: once a model is
// observed exhausted, further Acquire calls for it short-circuit to false
// without a database round trip until the cache entry expires.
func (p *Postgres) Acquire(ctx context.Context, req limiter.AcquireRequest) (bool, error) {
	if p.cachedExhausted(req.ModelID) {
		p.recordAcquire(req.ModelID, "rejected")
		return false, nil
	}

	var admitted bool
	err := p.db.QueryRowContext(ctx, `
		UPDATE ratelimiter_model_usage
		SET requests_inflight = requests_inflight + 1
		WHERE model_id = $1 AND requests_inflight < capacity
		RETURNING true
	`, req.ModelID).Scan(&admitted)

	if err == sql.ErrNoRows {
		p.markExhausted(req.ModelID)
		p.recordAcquire(req.ModelID, "rejected")
		return false, nil
	}
	if err != nil {
		// Fail open: a coordinator outage should not stall every instance's
		// admission path; local gates still apply.
		p.logger.Warn("coordinator acquire failed, admitting locally", "model", req.ModelID, "error", err)
		p.recordAcquire(req.ModelID, "fail_open")
		return true, nil
	}
	p.recordAcquire(req.ModelID, "admitted")
	return admitted, nil
}

func (p *Postgres) recordAcquire(modelID, result string) {
	if p.metrics != nil {
		p.metrics.RecordCoordinatorAcquire(modelID, result)
	}
}

func (p *Postgres) cachedExhausted(modelID string) bool {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	entry, ok := p.cache[modelID]
	if !ok || time.Now().After(entry.expiresAt) {
		return false
	}
	return entry.exhausted
}

func (p *Postgres) markExhausted(modelID string) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache[modelID] = acquireCacheEntry{exhausted: true, expiresAt: time.Now().Add(acquireCacheTTL)}
}

// Release decrements the model's fleet-wide in-flight count by one (the
// attempt's estimated and actual usage are not used) and clears any
// negative cache entry so the next Acquire re-checks the database. Errors
// are logged, counted, and returned to the caller.
func (p *Postgres) Release(ctx context.Context, req limiter.ReleaseRequest) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE ratelimiter_model_usage
		SET requests_inflight = GREATEST(0, requests_inflight - 1)
		WHERE model_id = $1
	`, req.ModelID)
	if err != nil {
		p.logger.Warn("coordinator release failed", "model", req.ModelID, "error", err)
		if p.metrics != nil {
			p.metrics.RecordCoordinatorReleaseError()
		}
		return err
	}

	p.cacheMu.Lock()
	delete(p.cache, req.ModelID)
	p.cacheMu.Unlock()
	return nil
}

// SubscribeAllocation opens a pq.Listener on the allocation channel and
// forwards decoded pushes to handler until the returned Unsubscribe is
// called. The idiomatic Go pattern for Postgres pub/sub: no separate
// broker dependency is needed, keeping the coordinator inside the same
// Postgres-centric stack as the rest of the teacher's storage layer.
func (p *Postgres) SubscribeAllocation(handler limiter.AllocationHandler) limiter.Unsubscribe {
	listener := pq.NewListener(p.cfg.GetDSN(), 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warn("coordinator listener event", "error", err)
		}
	})

	if err := listener.Listen(notifyChannel); err != nil {
		p.logger.Warn("failed to listen for allocation notifications", "error", err)
		return func() {}
	}

	p.listenerMu.Lock()
	p.listener = listener
	p.listenerMu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					continue // reconnect signal, no payload
				}
				var wa wireAllocation
				if err := json.Unmarshal([]byte(n.Extra), &wa); err != nil {
					p.logger.Warn("failed to decode allocation notification", "error", err)
					continue
				}
				alloc := limiter.Allocation{
					InstanceCount: wa.InstanceCt,
					PerModel:      wa.PerModel,
					HasDynamicLimits: wa.Dynamic,
				}
				modelID := wa.ModelID
				if modelID == "" {
					modelID = "*"
				}
				handler(alloc, modelID)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		listener.Close()
	}
}

// Heartbeat updates this instance's liveness timestamp. The coordinator
// database expires stale instances via a TTL check strictly longer than
// the heartbeat cadence (enforced by whatever periodic cleanup job owns
// ratelimiter_instances; out of scope for this client).
func (p *Postgres) Heartbeat(ctx context.Context, instanceID string) error {
	err := withRetry(ctx, defaultRetry, func() error {
		_, err := p.db.ExecContext(ctx, `UPDATE ratelimiter_instances SET last_heartbeat = now() WHERE instance_id = $1`, instanceID)
		return err
	})
	if err != nil && p.metrics != nil {
		p.metrics.RecordHeartbeatFailure()
	}
	return err
}
