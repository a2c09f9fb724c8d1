// Package generator rebuilds a tenant's complete compliance dataset.
//
// Generation pages through completion facts with keyset pagination, formats
// each qualifying (user, course) pair into a model.FormattedRecord, and checks
// the memory guard after every batch. The result is always the full tenant
// snapshot; there is no incremental mode.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/store"
)

// DefaultBatchSize is the page size for completion reads.
const DefaultBatchSize = 1000

// Source is the read side of the record store used for generation.
type Source interface {
	CompletedPage(ctx context.Context, tenantID int64, courseIDs []int64, afterID int64, limit int) ([]store.CompletionRow, error)
	QualifyingUsers(ctx context.Context, tenantID int64, courseIDs []int64, required int, afterUserID int64, limit int) ([]int64, error)
	CompletedForUsers(ctx context.Context, tenantID int64, courseIDs, userIDs []int64) ([]store.CompletionRow, error)
}

// Options tunes generation.
type Options struct {
	BatchSize int
	Format    FormatOptions
}

// Stats describes one generation run.
type Stats struct {
	Mode    model.CompletionMode
	Batches int
	Records int
	// Skipped counts facts dropped for data errors such as a missing course row.
	Skipped  int
	Duration time.Duration
}

// Generator builds tenant snapshots.
type Generator struct {
	src   Source
	guard *MemoryGuard
	opts  Options
}

// New creates a generator. guard may be nil to disable the memory check.
func New(src Source, guard *MemoryGuard, opts Options) *Generator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	opts.Format = opts.Format.withDefaults()
	return &Generator{src: src, guard: guard, opts: opts}
}

// Generate returns every record the rule selects for the tenant.
func (g *Generator) Generate(ctx context.Context, tenantID int64, rule model.SyncRule) ([]model.FormattedRecord, Stats, error) {
	records := []model.FormattedRecord{}
	stats, err := g.Stream(ctx, tenantID, rule, func(batch []model.FormattedRecord) error {
		records = append(records, batch...)
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	return records, stats, nil
}

// Stream calls emit once per formatted batch, in completion-ID order for ANY mode
// and user-ID order for ALL mode.
func (g *Generator) Stream(ctx context.Context, tenantID int64, rule model.SyncRule, emit func([]model.FormattedRecord) error) (Stats, error) {
	started := time.Now()
	mode := rule.CompletionMode
	if mode == "" {
		mode = model.ModeAny
	}
	stats := Stats{Mode: mode}
	courses := uniqueCourses(rule.Courses)

	var err error
	if len(courses) > 0 {
		switch mode {
		case model.ModeAny:
			err = g.streamAny(ctx, tenantID, rule, courses, emit, &stats)
		case model.ModeAll:
			err = g.streamAll(ctx, tenantID, rule, courses, emit, &stats)
		default:
			err = fmt.Errorf("generate tenant %d: unknown completion mode %q", tenantID, mode)
		}
	}
	stats.Duration = time.Since(started)
	if err != nil {
		return stats, err
	}

	slog.Info("snapshot generated",
		"tenant_id", tenantID,
		"mode", string(mode),
		"courses", len(courses),
		"records", stats.Records,
		"batches", stats.Batches,
		"skipped", stats.Skipped,
		"duration", stats.Duration)
	return stats, nil
}

func (g *Generator) streamAny(ctx context.Context, tenantID int64, rule model.SyncRule, courses []int64, emit func([]model.FormattedRecord) error, stats *Stats) error {
	afterID := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := g.src.CompletedPage(ctx, tenantID, courses, afterID, g.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("generate tenant %d: %w", tenantID, err)
		}
		if len(rows) == 0 {
			return nil
		}
		afterID = rows[len(rows)-1].ID

		if err := g.emitBatch(tenantID, rule, rows, emit, stats); err != nil {
			return err
		}
		if len(rows) < g.opts.BatchSize {
			return nil
		}
	}
}

func (g *Generator) streamAll(ctx context.Context, tenantID int64, rule model.SyncRule, courses []int64, emit func([]model.FormattedRecord) error, stats *Stats) error {
	afterUser := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		users, err := g.src.QualifyingUsers(ctx, tenantID, courses, len(courses), afterUser, g.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("generate tenant %d: %w", tenantID, err)
		}
		if len(users) == 0 {
			return nil
		}
		afterUser = users[len(users)-1]

		rows, err := g.src.CompletedForUsers(ctx, tenantID, courses, users)
		if err != nil {
			return fmt.Errorf("generate tenant %d: %w", tenantID, err)
		}
		if err := g.emitBatch(tenantID, rule, rows, emit, stats); err != nil {
			return err
		}
		if len(users) < g.opts.BatchSize {
			return nil
		}
	}
}

func (g *Generator) emitBatch(tenantID int64, rule model.SyncRule, rows []store.CompletionRow, emit func([]model.FormattedRecord) error, stats *Stats) error {
	batch := make([]model.FormattedRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := Format(row, rule, g.opts.Format)
		if err != nil {
			stats.Skipped++
			slog.Warn("completion skipped",
				"tenant_id", tenantID,
				"user_id", row.User.ID,
				"course_id", row.CourseID,
				"error", err)
			continue
		}
		batch = append(batch, rec)
	}

	stats.Batches++
	stats.Records += len(batch)
	if err := emit(batch); err != nil {
		return err
	}

	if err := g.guard.Check(); err != nil {
		return fmt.Errorf("generate tenant %d after %d records: %w", tenantID, stats.Records, err)
	}
	return nil
}

func uniqueCourses(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
