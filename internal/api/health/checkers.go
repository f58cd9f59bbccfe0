package health

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
)

// SQLiteChecker checks SQLite database connectivity.
type SQLiteChecker struct {
	db *sql.DB
}

// NewSQLiteChecker creates a new SQLite health checker.
func NewSQLiteChecker(db *sql.DB) *SQLiteChecker {
	return &SQLiteChecker{db: db}
}

// Name returns the checker name.
func (c *SQLiteChecker) Name() string {
	return "sqlite"
}

// Check verifies the SQLite database is accessible.
func (c *SQLiteChecker) Check(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return c.db.PingContext(ctx)
}

// NATSChecker reports whether the relay connection is up.
type NATSChecker struct {
	nc *nats.Conn
}

// NewNATSChecker creates a new NATS health checker.
func NewNATSChecker(nc *nats.Conn) *NATSChecker {
	return &NATSChecker{nc: nc}
}

// Name returns the checker name.
func (c *NATSChecker) Name() string {
	return "nats"
}

// Check fails while the connection is reconnecting or closed.
func (c *NATSChecker) Check(ctx context.Context) error {
	if c.nc == nil {
		return fmt.Errorf("relay not configured")
	}
	if status := c.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("relay %s", status)
	}
	return nil
}

// BreakerState is implemented by the assistant's circuit breaker.
type BreakerState interface {
	State() gobreaker.State
}

// AssistantChecker reports the assistant circuit breaker. It is optional:
// chat and file sync keep working while generation fails fast.
type AssistantChecker struct {
	breaker BreakerState
}

// NewAssistantChecker creates a new assistant health checker.
func NewAssistantChecker(b BreakerState) *AssistantChecker {
	return &AssistantChecker{breaker: b}
}

// Name returns the checker name.
func (c *AssistantChecker) Name() string {
	return "assistant"
}

// Optional marks assistant failures as degrading only.
func (c *AssistantChecker) Optional() bool {
	return true
}

// Check fails while the breaker is open.
func (c *AssistantChecker) Check(ctx context.Context) error {
	if state := c.breaker.State(); state == gobreaker.StateOpen {
		return fmt.Errorf("circuit breaker %s", state)
	}
	return nil
}
