package crud

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nimburion/places/pkg/apperr"
	"github.com/nimburion/places/pkg/auth"
	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/observability/tracing"
	"github.com/nimburion/places/pkg/query"
)

// DefaultBatchSize bounds concurrent post-processing calls during a search.
const DefaultBatchSize = 50

// Hooks customize an engine per entity. Every hook is optional.
type Hooks struct {
	// PrepareCreate converts the create form into its stored shape, e.g. by
	// uploading an image and keeping its key.
	PrepareCreate func(ctx context.Context, p *auth.Principal, rec Record) error
	// PrepareUpdate validates and converts a patch against the existing record.
	PrepareUpdate func(ctx context.Context, p *auth.Principal, existing, patch Record) error
	// PostProcess rewrites a read record in place, e.g. signing an image key.
	PostProcess func(ctx context.Context, rec Record) error
	// Cleanup runs after a successful delete. Its error is logged only.
	Cleanup func(ctx context.Context, deleted Record) error
	// AfterCreate runs after a successful insert. Its error is logged only.
	AfterCreate func(ctx context.Context, created Record) error
	// AfterUpdate runs after a successful update with the record as it was
	// before and the applied patch. Its error is logged only.
	AfterUpdate func(ctx context.Context, existing, patch Record) error
	// Discard runs when the store rejects a prepared create or update, so the
	// side effects of PrepareCreate or PrepareUpdate can be undone. Its error
	// is logged only.
	Discard func(ctx context.Context, prepared Record) error
}

// Recorder receives engine metrics.
type Recorder interface {
	ObserveCRUD(entity, operation, outcome string, d time.Duration)
	AddPostProcessed(entity string, n int)
}

// Config wires an Engine.
type Config struct {
	Schema *query.Schema
	Store  Store
	Policy Policy
	Hooks  Hooks

	// Resource is the singular name used in messages; defaults to Schema.Entity.
	Resource string
	// IDField defaults to "id".
	IDField string
	// Timestamps stamps createdAt and updatedAt.
	Timestamps bool
	// BatchSize defaults to DefaultBatchSize.
	BatchSize int

	Logger  logger.Logger
	Metrics Recorder

	// NewID and Now default to uuid.NewString and time.Now.
	NewID func() string
	Now   func() time.Time
}

// Page is one page of search results.
type Page struct {
	Page       int
	Size       int
	TotalPages int
	TotalCount int64
	Data       []Record
}

// Engine runs authorized CRUD and search operations for one entity.
type Engine struct {
	cfg Config
	log logger.Logger
}

// NewEngine validates cfg and applies defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Schema == nil {
		return nil, errors.New("crud: schema is required")
	}
	if !cfg.Schema.Validated() {
		if err := cfg.Schema.Validate(); err != nil {
			return nil, fmt.Errorf("crud: %w", err)
		}
	}
	if cfg.Store == nil {
		return nil, errors.New("crud: store is required")
	}
	if cfg.Policy == nil {
		return nil, errors.New("crud: policy is required")
	}
	if cfg.Resource == "" {
		cfg.Resource = cfg.Schema.Entity
	}
	if cfg.IDField == "" {
		cfg.IDField = "id"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg: cfg,
		log: cfg.Logger.With("entity", cfg.Schema.Entity),
	}, nil
}

// Schema returns the engine's field schema.
func (e *Engine) Schema() *query.Schema { return e.cfg.Schema }

// Create authorizes, prepares and inserts rec, then returns its read shape.
func (e *Engine) Create(ctx context.Context, p *auth.Principal, rec Record) (out Record, err error) {
	ctx, span := tracing.StartRecordSpan(ctx, e.cfg.Schema.Entity, "create")
	defer e.observe(span, "create", time.Now(), &err)

	rec = rec.Clone()
	if rec == nil {
		rec = Record{}
	}
	if err := e.cfg.Policy.AuthCreate(ctx, p, rec); err != nil {
		return nil, e.classify("create", err)
	}
	rec[e.cfg.IDField] = e.cfg.NewID()
	if e.cfg.Timestamps {
		now := e.cfg.Now().UTC()
		rec["createdAt"] = now
		rec["updatedAt"] = now
	}
	if e.cfg.Hooks.PrepareCreate != nil {
		if err := e.cfg.Hooks.PrepareCreate(ctx, p, rec); err != nil {
			return nil, e.classify("create", err)
		}
	}
	if err := e.cfg.Store.Insert(ctx, rec); err != nil {
		e.discard(ctx, rec)
		return nil, e.classify("create", err)
	}

	id := fmt.Sprint(rec[e.cfg.IDField])
	e.log.WithContext(ctx).Info("record created", "id", id)
	if e.cfg.Hooks.AfterCreate != nil {
		if err := e.cfg.Hooks.AfterCreate(ctx, rec); err != nil {
			e.log.WithContext(ctx).Warn("after-create hook failed", "id", id, "error", err)
		}
	}
	return e.load(ctx, id, "create")
}

// Get fetches one record. A missing record is (nil, false, nil).
func (e *Engine) Get(ctx context.Context, p *auth.Principal, id string) (out Record, found bool, err error) {
	ctx, span := tracing.StartRecordSpan(ctx, e.cfg.Schema.Entity, "get")
	defer e.observe(span, "get", time.Now(), &err)

	rec, err := e.cfg.Store.Get(ctx, id, nil)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, e.classify("read", err)
	}
	if err := e.cfg.Policy.AuthRead(ctx, p, rec); err != nil {
		return nil, false, e.classify("read", err)
	}
	out, err = e.readShape(ctx, rec, "read")
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Retrieve is Get with a 404 error for a missing record.
func (e *Engine) Retrieve(ctx context.Context, p *auth.Principal, id string) (Record, error) {
	rec, found, err := e.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, e.classify("read", ErrNotFound)
	}
	return rec, nil
}

// Search authorizes and narrows q, counts the matches, fetches the requested
// page and post-processes it with at most BatchSize concurrent calls.
// q is not modified.
func (e *Engine) Search(ctx context.Context, p *auth.Principal, q *query.Query) (page *Page, err error) {
	ctx, span := tracing.StartRecordSpan(ctx, e.cfg.Schema.Entity, "search")
	defer e.observe(span, "search", time.Now(), &err)

	if q == nil {
		return nil, e.classify("search", errors.New("nil query"))
	}
	q = q.Clone()
	if q.Filters == nil {
		q.Filters = query.FilterSet{}
	}
	if err := e.cfg.Policy.AuthSearch(ctx, p, q); err != nil {
		return nil, e.classify("search", err)
	}
	fields := e.cfg.Schema.Projection(q.Projection)
	q.Projection = e.cfg.Schema.StorageFields(fields)

	count, err := e.cfg.Store.Count(ctx, q)
	if err != nil {
		return nil, e.classify("search", err)
	}
	page = &Page{
		Page:       q.Pagination.Page,
		Size:       q.Pagination.Size,
		TotalCount: count,
		TotalPages: query.TotalPages(count, q.Pagination.Size),
		Data:       []Record{},
	}
	if count == 0 || int64(q.Pagination.Skip()) >= count {
		return page, nil
	}

	records, err := e.cfg.Store.Find(ctx, q)
	if err != nil {
		return nil, e.classify("search", err)
	}
	if err := e.postProcess(ctx, records); err != nil {
		return nil, e.classify("search", err)
	}
	for _, rec := range records {
		trimSources(rec, fields, q.Projection)
	}
	page.Data = records
	return page, nil
}

// Update loads the record, authorizes, prepares and applies patch, and
// returns the new read shape. Concurrent updates are last-write-wins.
func (e *Engine) Update(ctx context.Context, p *auth.Principal, id string, patch Record) (out Record, err error) {
	ctx, span := tracing.StartRecordSpan(ctx, e.cfg.Schema.Entity, "update")
	defer e.observe(span, "update", time.Now(), &err)

	existing, err := e.cfg.Store.Get(ctx, id, nil)
	if err != nil {
		return nil, e.classify("update", err)
	}
	patch = patch.Clone()
	if patch == nil {
		patch = Record{}
	}
	delete(patch, e.cfg.IDField)
	delete(patch, "createdAt")
	if err := e.cfg.Policy.AuthUpdate(ctx, p, existing, patch); err != nil {
		return nil, e.classify("update", err)
	}
	if e.cfg.Hooks.PrepareUpdate != nil {
		if err := e.cfg.Hooks.PrepareUpdate(ctx, p, existing, patch); err != nil {
			return nil, e.classify("update", err)
		}
	}
	if e.cfg.Timestamps {
		patch["updatedAt"] = e.cfg.Now().UTC()
	}
	if err := e.cfg.Store.Update(ctx, id, patch); err != nil {
		e.discard(ctx, patch)
		return nil, e.classify("update", err)
	}
	if e.cfg.Hooks.AfterUpdate != nil {
		if err := e.cfg.Hooks.AfterUpdate(ctx, existing, patch); err != nil {
			e.log.WithContext(ctx).Warn("after-update hook failed", "id", id, "error", err)
		}
	}
	return e.load(ctx, id, "update")
}

// Delete loads the record, authorizes and deletes it, then runs Cleanup.
// A failing cleanup is logged and the delete still succeeds.
func (e *Engine) Delete(ctx context.Context, p *auth.Principal, id string) (err error) {
	ctx, span := tracing.StartRecordSpan(ctx, e.cfg.Schema.Entity, "delete")
	defer e.observe(span, "delete", time.Now(), &err)

	existing, err := e.cfg.Store.Get(ctx, id, nil)
	if err != nil {
		return e.classify("delete", err)
	}
	if err := e.cfg.Policy.AuthDelete(ctx, p, existing); err != nil {
		return e.classify("delete", err)
	}
	if err := e.cfg.Store.Delete(ctx, id); err != nil {
		return e.classify("delete", err)
	}
	e.log.WithContext(ctx).Info("record deleted", "id", id)

	if e.cfg.Hooks.Cleanup != nil {
		if err := e.cfg.Hooks.Cleanup(ctx, existing); err != nil {
			e.log.WithContext(ctx).Error("cleanup after delete failed", "id", id, "error", err)
		}
	}
	return nil
}

func (e *Engine) load(ctx context.Context, id, op string) (Record, error) {
	rec, err := e.cfg.Store.Get(ctx, id, nil)
	if err != nil {
		return nil, e.classify(op, err)
	}
	return e.readShape(ctx, rec, op)
}

func (e *Engine) readShape(ctx context.Context, rec Record, op string) (Record, error) {
	fields := e.cfg.Schema.Projection(nil)
	stored := e.cfg.Schema.StorageFields(fields)
	out := Project(rec, stored)
	if e.cfg.Hooks.PostProcess != nil {
		if err := e.cfg.Hooks.PostProcess(ctx, out); err != nil {
			return nil, e.classify(op, err)
		}
	}
	trimSources(out, fields, stored)
	return out, nil
}

// discard undoes prepared side effects after the store rejected a write.
func (e *Engine) discard(ctx context.Context, prepared Record) {
	if e.cfg.Hooks.Discard == nil {
		return
	}
	if err := e.cfg.Hooks.Discard(ctx, prepared); err != nil {
		e.log.WithContext(ctx).Warn("discard hook failed", "error", err)
	}
}

// trimSources drops the stored fields that were only fetched to build a
// computed field.
func trimSources(rec Record, fields, stored []string) {
	if len(stored) == len(fields) && slices.Equal(stored, fields) {
		return
	}
	requested := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		requested[f] = struct{}{}
	}
	for _, f := range stored {
		if _, ok := requested[f]; !ok {
			delete(rec, f)
		}
	}
}

func (e *Engine) postProcess(ctx context.Context, records []Record) error {
	if e.cfg.Hooks.PostProcess == nil || len(records) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.BatchSize)
	for _, rec := range records {
		g.Go(func() error {
			return e.cfg.Hooks.PostProcess(gctx, rec)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("post-process: %w", err)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.AddPostProcessed(e.cfg.Schema.Entity, len(records))
	}
	return nil
}

// classify maps any error into the apperr taxonomy. Driver text stays in the
// wrapped cause and never reaches the message.
func (e *Engine) classify(op string, err error) error {
	if appErr, ok := apperr.As(err); ok {
		return appErr
	}
	var verr *query.ValidationError
	switch {
	case errors.As(err, &verr):
		return apperr.Validation(verr.Error(), map[string]any{"field": verr.Field}, err)
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound(fmt.Sprintf("%s not found", e.cfg.Resource), err)
	case errors.Is(err, ErrConflict):
		return apperr.Conflict(fmt.Sprintf("%s already exists", e.cfg.Resource), err)
	case errors.Is(err, ErrUnauthenticated):
		return apperr.Unauthenticated("authentication required", err)
	case errors.Is(err, ErrForbidden):
		return apperr.Forbidden(fmt.Sprintf("not allowed to %s this %s", op, e.cfg.Resource), err)
	default:
		e.log.Error("storage operation failed", "operation", op, "error", err)
		return apperr.Internal(fmt.Sprintf("failed to %s %s", op, e.cfg.Resource), err)
	}
}

// observe ends span and records the outcome. Only internal failures mark
// the span as an error; denials and validation failures are normal traffic.
func (e *Engine) observe(span trace.Span, op string, start time.Time, errp *error) {
	outcome := "ok"
	if *errp != nil {
		outcome = apperr.CodeInternal
		if appErr, ok := apperr.As(*errp); ok {
			outcome = appErr.Code
		}
	}
	span.SetAttributes(attribute.String("places.outcome", outcome))
	var spanErr error
	if outcome == apperr.CodeInternal {
		spanErr = *errp
	}
	tracing.End(span, spanErr)

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ObserveCRUD(e.cfg.Schema.Entity, op, outcome, time.Since(start))
	}
}
