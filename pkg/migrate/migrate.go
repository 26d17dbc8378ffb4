// Package migrate applies the storage schema: versioned SQL files for
// PostgreSQL and index definitions for MongoDB.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nimburion/places/pkg/observability/logger"
)

// Files holds the embedded PostgreSQL migrations under Dir.
//
//go:embed sql/*.sql
var Files embed.FS

// Dir is the directory of Files containing the migrations.
const Dir = "sql"

// PendingMigration is an unapplied migration.
type PendingMigration struct {
	Version int64
	Name    string
}

// Status lists applied versions and pending migrations.
type Status struct {
	AppliedVersions []int64
	Pending         []PendingMigration
}

// Migrator is implemented by each backend.
type Migrator interface {
	Up(ctx context.Context) (int, error)
	Down(ctx context.Context, steps int) (int, error)
	Status(ctx context.Context) (*Status, error)
}

// Command is a parsed "migrate [up|down|status] [steps]" invocation.
type Command struct {
	Action string
	Steps  int
}

// ParseArgs parses [up|down|status] [steps], defaulting to "up" and one step.
func ParseArgs(args []string) (Command, error) {
	cmd := Command{Action: "up", Steps: 1}
	if len(args) > 0 {
		cmd.Action = args[0]
	}
	switch cmd.Action {
	case "up", "down", "status":
	default:
		return Command{}, fmt.Errorf("unknown migrate action %q, want up, down or status", cmd.Action)
	}
	if len(args) > 1 {
		steps, err := strconv.Atoi(args[1])
		if err != nil || steps <= 0 {
			return Command{}, fmt.Errorf("invalid down steps %q", args[1])
		}
		cmd.Steps = steps
	}
	return cmd, nil
}

// Run executes cmd with m under timeout and logs the outcome.
func Run(ctx context.Context, m Migrator, cmd Command, timeout time.Duration, log logger.Logger) error {
	if m == nil {
		return errors.New("migrator is required")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch cmd.Action {
	case "up":
		applied, err := m.Up(ctx)
		if err != nil {
			return err
		}
		log.Info("migrations applied", "count", applied)
	case "down":
		reverted, err := m.Down(ctx, cmd.Steps)
		if err != nil {
			return err
		}
		log.Info("migrations reverted", "count", reverted, "steps", cmd.Steps)
	case "status":
		status, err := m.Status(ctx)
		if err != nil {
			return err
		}
		log.Info("migration status", "applied", len(status.AppliedVersions), "pending", len(status.Pending))
		for _, p := range status.Pending {
			log.Info("migration pending", "version", p.Version, "name", p.Name)
		}
	default:
		return fmt.Errorf("unknown migrate action %q", cmd.Action)
	}
	return nil
}
