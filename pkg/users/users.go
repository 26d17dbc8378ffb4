package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/nimburion/places/pkg/apperr"
	"github.com/nimburion/places/pkg/auth"
	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/query"
	"github.com/nimburion/places/pkg/tasks"
)

const (
	// MinPasswordLength is the shortest accepted password.
	MinPasswordLength = 8
	// TaskNewsletter subscribes a new user to the newsletter.
	TaskNewsletter = "user.newsletter"
)

// NewsletterPayload is the body of a TaskNewsletter task.
type NewsletterPayload struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

var writable = map[string]struct{}{
	"name": {}, "email": {}, "password": {}, "image": {}, "isAdmin": {},
}

// Config wires the users service.
type Config struct {
	Store   crud.Store
	Tokens  auth.Issuer
	Tasks   tasks.Enqueuer
	Logger  logger.Logger
	Metrics crud.Recorder
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost  int
	BatchSize   int
	MaxPageSize int
}

// Service exposes the users engine plus the login flow.
type Service struct {
	*crud.Engine

	store  crud.Store
	tokens auth.Issuer
	tasks  tasks.Enqueuer
	cost   int
	log    logger.Logger
}

// NewService builds the users engine. Anyone may sign up; everything else is
// limited to admins and the user themself.
func NewService(cfg Config) (*Service, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("users: token issuer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	s := &Service{
		store:  cfg.Store,
		tokens: cfg.Tokens,
		tasks:  cfg.Tasks,
		cost:   cfg.BcryptCost,
		log:    cfg.Logger.With("entity", Entity),
	}
	engine, err := crud.NewEngine(crud.Config{
		Schema:     NewSchema(cfg.MaxPageSize),
		Store:      cfg.Store,
		Policy:     crud.OwnershipPolicy{OwnerField: "id", AnonymousCreate: true},
		Resource:   "user",
		Timestamps: true,
		BatchSize:  cfg.BatchSize,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
		Hooks: crud.Hooks{
			PrepareCreate: s.prepareCreate,
			PrepareUpdate: s.prepareUpdate,
			AfterCreate:   s.enqueueNewsletter,
		},
	})
	if err != nil {
		return nil, err
	}
	s.Engine = engine
	return s, nil
}

// Signup creates a user. A duplicate email is a 409 conflict.
func (s *Service) Signup(ctx context.Context, p *auth.Principal, rec crud.Record) (crud.Record, error) {
	return s.Create(ctx, p, rec)
}

// Login checks the credentials and returns a signed token with the user.
// Unknown email and wrong password fail the same way.
func (s *Service) Login(ctx context.Context, email, password string) (string, crud.Record, error) {
	invalid := apperr.Unauthenticated("invalid email or password", nil)
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return "", nil, invalid
	}

	q := &query.Query{
		Pagination: query.Pagination{Page: 1, Size: 1},
		Sort:       []query.SortField{{Field: "createdAt"}},
		Filters:    query.FilterSet{"email": {{Operator: query.OpEq, Value: email}}},
		Projection: []string{"id", "email", "passwordHash", "isAdmin"},
	}
	found, err := s.store.Find(ctx, q)
	if err != nil {
		s.log.WithContext(ctx).Error("login lookup failed", "error", err)
		return "", nil, apperr.Internal("failed to log in", err)
	}
	if len(found) == 0 {
		return "", nil, invalid
	}
	hash, _ := found[0]["passwordHash"].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", nil, invalid
	}

	principal := &auth.Principal{ID: fmt.Sprint(found[0]["id"]), IsAdmin: isTrue(found[0]["isAdmin"])}
	token, err := s.tokens.Issue(*principal)
	if err != nil {
		return "", nil, apperr.Internal("failed to log in", err)
	}
	user, err := s.Retrieve(ctx, principal, principal.ID)
	if err != nil {
		return "", nil, err
	}
	s.log.WithContext(ctx).Info("user logged in", "user_id", principal.ID)
	return token, user, nil
}

func (s *Service) prepareCreate(_ context.Context, p *auth.Principal, rec crud.Record) error {
	if err := validate(rec, true); err != nil {
		return err
	}
	if p == nil || !p.IsAdmin {
		rec["isAdmin"] = false
	}
	return s.hashPassword(rec)
}

func (s *Service) prepareUpdate(_ context.Context, p *auth.Principal, _, patch crud.Record) error {
	if err := validate(patch, false); err != nil {
		return err
	}
	if !p.IsAdmin {
		delete(patch, "isAdmin")
	}
	return s.hashPassword(patch)
}

func (s *Service) hashPassword(rec crud.Record) error {
	password, ok := rec["password"].(string)
	if !ok {
		return nil
	}
	delete(rec, "password")
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	rec["passwordHash"] = string(hash)
	return nil
}

func (s *Service) enqueueNewsletter(ctx context.Context, created crud.Record) error {
	if s.tasks == nil {
		return nil
	}
	email, _ := created["email"].(string)
	name, _ := created["name"].(string)
	return s.tasks.Enqueue(ctx, TaskNewsletter, NewsletterPayload{
		UserID: fmt.Sprint(created["id"]),
		Email:  email,
		Name:   name,
	})
}

func validate(rec crud.Record, create bool) error {
	details := map[string]any{}
	for field := range rec {
		if _, ok := writable[field]; !ok && field != "id" && field != "createdAt" && field != "updatedAt" {
			details[field] = "unknown or read-only field"
		}
	}
	if v, present := rec["name"]; present || create {
		name, _ := v.(string)
		if strings.TrimSpace(name) == "" {
			details["name"] = "is required"
		} else {
			rec["name"] = strings.TrimSpace(name)
		}
	}
	if v, present := rec["email"]; present || create {
		raw, _ := v.(string)
		email := normalizeEmail(raw)
		if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
			details["email"] = "must be a valid email address"
		} else {
			rec["email"] = email
		}
	}
	if v, present := rec["password"]; present || create {
		password, _ := v.(string)
		if len(password) < MinPasswordLength {
			details["password"] = fmt.Sprintf("must be at least %d characters", MinPasswordLength)
		}
	}
	if v, present := rec["isAdmin"]; present {
		if _, ok := v.(bool); !ok {
			details["isAdmin"] = "must be a boolean"
		}
	}
	if len(details) > 0 {
		return apperr.Validation("invalid user", details, nil)
	}
	return nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
