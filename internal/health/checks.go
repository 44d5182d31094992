package health

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
)

// SQLCheck pings a database/sql handle and reports pool statistics.
type SQLCheck struct {
	name string
	db   *sql.DB
	// WaitWarning marks the pool as degraded once this many waits were seen.
	WaitWarning int64
}

// NewSQLCheck creates a check for a database/sql pool.
func NewSQLCheck(name string, db *sql.DB) *SQLCheck {
	return &SQLCheck{name: name, db: db, WaitWarning: 100}
}

func (d *SQLCheck) Name() string { return d.name }

func (d *SQLCheck) Check(ctx context.Context) Component {
	start := time.Now()
	if d.db == nil {
		return failed(d.name, start, "Database connection not configured", fmt.Errorf("database connection is nil"))
	}
	if err := d.db.PingContext(ctx); err != nil {
		return failed(d.name, start, "Database connection failed", err)
	}

	stats := d.db.Stats()
	c := Component{
		Name:        d.name,
		Status:      StateHealthy,
		Message:     "Database connection healthy",
		LastChecked: time.Now().UTC(),
		Duration:    time.Since(start),
		Metadata: map[string]interface{}{
			"open_connections":   stats.OpenConnections,
			"in_use_connections": stats.InUse,
			"idle_connections":   stats.Idle,
			"wait_count":         stats.WaitCount,
			"wait_duration":      stats.WaitDuration.String(),
		},
	}
	if d.WaitWarning > 0 && stats.WaitCount > d.WaitWarning {
		c.Status = StateWarning
		c.Message = "High database connection wait count"
	}
	return c
}

// RedisCheck pings the Redis server backing the draft store.
type RedisCheck struct {
	name   string
	client *redis.Client
}

func NewRedisCheck(name string, client *redis.Client) *RedisCheck {
	return &RedisCheck{name: name, client: client}
}

func (r *RedisCheck) Name() string { return r.name }

func (r *RedisCheck) Check(ctx context.Context) Component {
	start := time.Now()
	if r.client == nil {
		return failed(r.name, start, "Redis client not configured", fmt.Errorf("redis client is nil"))
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return failed(r.name, start, "Redis connection failed", err)
	}

	metadata := map[string]interface{}{}
	if info, err := r.client.Info(ctx, "clients").Result(); err == nil {
		for _, line := range strings.Split(info, "\n") {
			if v, ok := strings.CutPrefix(strings.TrimSpace(line), "connected_clients:"); ok {
				metadata["connected_clients"] = v
			}
		}
	}
	stats := r.client.PoolStats()
	metadata["pool_total_conns"] = stats.TotalConns
	metadata["pool_idle_conns"] = stats.IdleConns

	return Component{
		Name:        r.name,
		Status:      StateHealthy,
		Message:     "Redis connection healthy",
		LastChecked: time.Now().UTC(),
		Duration:    time.Since(start),
		Metadata:    metadata,
	}
}

// PingFunc adapts any client exposing a ping to a Check, such as a pgx pool
// or a go-redis v9 client.
type PingFunc func(ctx context.Context) error

type pingCheck struct {
	name string
	ping PingFunc
}

// NewPingCheck creates a check that only pings.
func NewPingCheck(name string, ping PingFunc) Check {
	return &pingCheck{name: name, ping: ping}
}

func (p *pingCheck) Name() string { return p.name }

func (p *pingCheck) Check(ctx context.Context) Component {
	start := time.Now()
	if err := p.ping(ctx); err != nil {
		return failed(p.name, start, "Ping failed", err)
	}
	return Component{
		Name:        p.name,
		Status:      StateHealthy,
		Message:     "Reachable",
		LastChecked: time.Now().UTC(),
		Duration:    time.Since(start),
	}
}

// BreakerStateFunc reports the state of a named circuit breaker.
type BreakerStateFunc func(name string) (gobreaker.State, bool)

// BreakerCheck reports the lab API circuit breakers. An open breaker degrades
// the service; it does not make it unhealthy, because queues and cached
// definitions stay usable.
type BreakerCheck struct {
	state BreakerStateFunc
	names []string
}

func NewBreakerCheck(state BreakerStateFunc, names ...string) *BreakerCheck {
	return &BreakerCheck{state: state, names: names}
}

func (b *BreakerCheck) Name() string { return "lab_api" }

func (b *BreakerCheck) Check(ctx context.Context) Component {
	start := time.Now()
	states := make(map[string]interface{}, len(b.names))
	var open []string
	for _, name := range b.names {
		s, ok := b.state(name)
		if !ok {
			continue
		}
		states[name] = s.String()
		if s == gobreaker.StateOpen {
			open = append(open, name)
		}
	}

	c := Component{
		Name:        b.Name(),
		Status:      StateHealthy,
		Message:     "All circuit breakers closed",
		LastChecked: time.Now().UTC(),
		Duration:    time.Since(start),
		Metadata:    states,
	}
	if len(open) > 0 {
		c.Status = StateWarning
		c.Message = "Circuit open: " + strings.Join(open, ", ")
	}
	return c
}

func failed(name string, start time.Time, message string, err error) Component {
	return Component{
		Name:        name,
		Status:      StateUnhealthy,
		Message:     message,
		LastChecked: time.Now().UTC(),
		Duration:    time.Since(start),
		Error:       err.Error(),
	}
}
