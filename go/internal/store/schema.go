package store

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// QueuedNotifyChannel is the LISTEN/NOTIFY channel fired when an outbound
// message is inserted in QUEUED status.
const QueuedNotifyChannel = "outbound_messages_queued"

// Schema returns the DDL for the tables the core reads and writes.
func Schema() string {
	return schemaSQL
}

// Migrate applies the schema. It is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
