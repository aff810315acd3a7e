package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Migrate creates the submissions table, the version sequence and the
// notification trigger publishing to channel. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, channel string) error {
	if !channelPattern.MatchString(channel) {
		return fmt.Errorf("invalid notify channel %q", channel)
	}
	ddl := strings.ReplaceAll(schemaSQL, "{{channel}}", channel)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate submissions schema: %w", err)
	}
	return nil
}
