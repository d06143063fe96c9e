package support

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/auth"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

type FeedbackInput struct {
	Category string `json:"category" validate:"required,oneof=app service driver pricing suggestion other"`
	Message  string `json:"message" validate:"required,max=2000"`
	Rating   int    `json:"rating" validate:"omitempty,gte=1,lte=5"`
}

// CreateFeedback stores feedback. actor is nil for anonymous senders.
func (s *Service) CreateFeedback(ctx context.Context, actor *auth.Principal, in FeedbackInput) (*models.Feedback, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return nil, apperr.Validation("message is required")
	}
	if in.Rating < 0 || in.Rating > 5 {
		return nil, apperr.Validation("rating must be between 1 and 5")
	}
	fb := &models.Feedback{Category: in.Category, Message: msg, Rating: in.Rating}
	if actor != nil {
		fb.UserID = models.IDPtr(actor.UserID)
	}
	if err := s.store.Feedback.Create(ctx, fb); err != nil {
		return nil, err
	}
	return fb, nil
}

func (s *Service) ListFeedback(ctx context.Context, f storage.FeedbackFilter, page storage.Page) ([]*models.Feedback, int64, error) {
	return s.store.Feedback.Find(ctx, f, page)
}

var slugRe = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// GetContent returns a published page.
func (s *Service) GetContent(ctx context.Context, slug string) (*models.Content, error) {
	c, err := s.store.Content.FindOne(ctx, storage.ContentFilter{Slug: strings.ToLower(slug), PublishedOnly: true})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("page")
	}
	return c, err
}

type ContentInput struct {
	Title     string `json:"title" validate:"required,max=200"`
	Body      string `json:"body" validate:"required"`
	Published *bool  `json:"published"`
}

// PutContent creates or replaces the page at slug.
func (s *Service) PutContent(ctx context.Context, actor auth.Principal, slug string, in ContentInput) (*models.Content, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if !slugRe.MatchString(slug) {
		return nil, apperr.Validation("slug must be lowercase words joined by dashes")
	}
	c, err := s.store.Content.FindOne(ctx, storage.ContentFilter{Slug: slug})
	created := errors.Is(err, storage.ErrNotFound)
	if err != nil && !created {
		return nil, err
	}
	if created {
		c = &models.Content{Slug: slug, Published: true}
	}
	c.Title = strings.TrimSpace(in.Title)
	c.Body = in.Body
	if in.Published != nil {
		c.Published = *in.Published
	}
	if created {
		err = s.store.Content.Create(ctx, c)
	} else {
		err = s.store.Content.Update(ctx, c)
	}
	if err != nil {
		return nil, storage.APIError(err)
	}
	if c.Published {
		s.publish(ctx, events.New(events.ContentPublished, "content", c.Slug, actor.UserID.Hex(), map[string]any{"title": c.Title}))
	}
	return c, nil
}

func (s *Service) ListSettings(ctx context.Context) ([]*models.AdminSetting, error) {
	out, _, err := s.store.Settings.Find(ctx, storage.SettingFilter{}, storage.Page{})
	return out, err
}

func (s *Service) GetSetting(ctx context.Context, key string) (*models.AdminSetting, error) {
	st, err := s.store.Settings.FindOne(ctx, storage.SettingFilter{Key: key})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("setting")
	}
	return st, err
}

type SettingInput struct {
	Value       string `json:"value" validate:"max=10000"`
	Description string `json:"description" validate:"omitempty,max=500"`
}

// PutSetting upserts a key/value setting and records who changed it.
func (s *Service) PutSetting(ctx context.Context, actor auth.Principal, key string, in SettingInput) (*models.AdminSetting, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, apperr.Validation("key is required")
	}
	st, err := s.store.Settings.FindOne(ctx, storage.SettingFilter{Key: key})
	created := errors.Is(err, storage.ErrNotFound)
	if err != nil && !created {
		return nil, err
	}
	var old string
	if created {
		st = &models.AdminSetting{Key: key}
	} else {
		old = st.Value
	}
	st.Value = in.Value
	if in.Description != "" {
		st.Description = strings.TrimSpace(in.Description)
	}
	st.UpdatedBy = actor.UserID
	if created {
		err = s.store.Settings.Create(ctx, st)
	} else {
		err = s.store.Settings.Update(ctx, st)
	}
	if err != nil {
		return nil, storage.APIError(err)
	}
	s.publish(ctx, events.New(events.SettingChanged, "setting", key, actor.UserID.Hex(), map[string]any{
		"from": old, "to": st.Value,
	}))
	return st, nil
}

func (s *Service) ListAudit(ctx context.Context, f storage.AuditFilter, page storage.Page) ([]models.AuditEntry, int64, error) {
	return s.store.Audit.List(ctx, f, page)
}
