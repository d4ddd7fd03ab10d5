// Package service implements the request review workflows: the review-step
// operations, the approval, denial and processing runners, and the batch
// jobs behind the admin CLI.
package service

import (
	"context"
	"errors"
	"time"

	"coldfront/internal/cache"
	"coldfront/internal/config"
	"coldfront/internal/mail"
	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/notifications"
	"coldfront/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Deps are the collaborators shared by every service.
type Deps struct {
	DB     *gorm.DB
	Config *config.Config
	Mailer mail.Sender
	Events notifications.Publisher
	Now    func() time.Time
}

type base struct {
	db     *gorm.DB
	cfg    *config.Config
	mailer mail.Sender
	events notifications.Publisher
	now    func() time.Time
}

func newBase(d Deps) base {
	b := base{db: d.DB, cfg: d.Config, mailer: d.Mailer, events: d.Events, now: d.Now}
	if b.now == nil {
		b.now = time.Now
	}
	if b.events == nil {
		b.events = notifications.Discard{}
	}
	return b
}

// effects collects work that must only happen after the transaction commits.
type effects struct {
	emails      []mail.Message
	events      []notifications.Event
	users       []uint
	projects    []uint
	notes       []string
	transitions []statusCount
}

type statusCount struct {
	requestType string
	status      string
}

func (fx *effects) email(msg mail.Message) {
	if len(msg.To) == 0 {
		return
	}
	fx.emails = append(fx.emails, msg)
}

func (fx *effects) event(evt notifications.Event) {
	fx.events = append(fx.events, evt)
}

func (fx *effects) invalidateUser(id uint) {
	fx.users = append(fx.users, id)
}

func (fx *effects) invalidateProject(id uint) {
	fx.projects = append(fx.projects, id)
}

// note records a message for the caller, such as a skipped step.
func (fx *effects) note(msg string) {
	fx.notes = append(fx.notes, msg)
}

// inTx runs fn in one transaction and, once it commits, counts the recorded
// transitions and sends the collected emails and events. Email and event
// failures are logged, never returned.
func (b *base) inTx(ctx context.Context, fn func(tx *gorm.DB, fx *effects) error) (*effects, error) {
	fx := &effects{}
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, fx)
	})
	if err != nil {
		return nil, txError(err)
	}
	b.flush(ctx, fx)
	return fx, nil
}

// runner is inTx for the named workflow runner. The run is traced and its
// duration recorded by outcome.
func (b *base) runner(ctx context.Context, name string, fn func(tx *gorm.DB, fx *effects) error) (*effects, error) {
	ctx, end := observability.StartRunner(ctx, name)
	fx, err := b.inTx(ctx, fn)
	end(err)
	return fx, err
}

func (b *base) flush(ctx context.Context, fx *effects) {
	for _, c := range fx.transitions {
		observability.RecordTransition(c.requestType, c.status)
	}
	for _, id := range fx.users {
		cache.InvalidateUser(ctx, id)
	}
	for _, id := range fx.projects {
		cache.InvalidateProject(ctx, id)
	}
	for _, msg := range fx.emails {
		if b.mailer == nil {
			continue
		}
		if err := b.mailer.Send(ctx, msg); err != nil {
			observability.EmailsSent.WithLabelValues(msg.Template, "failure").Inc()
			middleware.Logger.ErrorContext(ctx, "failed to send notification email",
				"template", msg.Template, "to", msg.To, "error", err)
			continue
		}
		observability.EmailsSent.WithLabelValues(msg.Template, "success").Inc()
	}
	for _, evt := range fx.events {
		if evt.OccurredAt.IsZero() {
			evt.OccurredAt = b.now().UTC()
		}
		if err := b.events.Publish(ctx, evt); err != nil {
			observability.EventsPublished.WithLabelValues(evt.Type, "failure").Inc()
			middleware.Logger.ErrorContext(ctx, "failed to publish event",
				"type", evt.Type, "request_id", evt.RequestID, "error", err)
			continue
		}
		observability.EventsPublished.WithLabelValues(evt.Type, "success").Inc()
	}
}

func txError(err error) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return models.NewInternalError(err)
}

// lockByID loads the row with id for update.
func lockByID[T any](tx *gorm.DB, id uint, resource string) (*T, error) {
	var out T
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError(resource, id)
		}
		return nil, err
	}
	return &out, nil
}

// save writes the row without touching loaded associations.
func save(tx *gorm.DB, v interface{}) error {
	return tx.Omit(clause.Associations).Save(v).Error
}

func (b *base) stamp() *time.Time {
	t := b.now().UTC()
	return &t
}

// transition records a status change for metrics and the event feed.
func transition(fx *effects, requestType string, id uint, userID uint, from, to string) {
	if from == to {
		return
	}
	fx.transitions = append(fx.transitions, statusCount{requestType, to})
	fx.event(notifications.Event{
		Type:        notifications.EventRequestStatusChanged,
		RequestType: requestType,
		RequestID:   id,
		UserID:      userID,
		Status:      to,
		Payload:     map[string]interface{}{"previous_status": from},
	})
}

// created records a new request for metrics and the event feed.
func created(fx *effects, requestType string, id, userID uint, status string) {
	fx.transitions = append(fx.transitions, statusCount{requestType, status})
	fx.event(notifications.Event{
		Type:        notifications.EventRequestCreated,
		RequestType: requestType,
		RequestID:   id,
		UserID:      userID,
		Status:      status,
	})
}

// Request type names used in events and metrics.
const (
	TypeSavio         = "savio_project_request"
	TypeVector        = "vector_project_request"
	TypeRenewal       = "allocation_renewal_request"
	TypeAddition      = "allocation_addition_request"
	TypeSecureDir     = "secure_dir_request"
	TypeSecureDirUser = "secure_dir_user_request"
	TypeDeactivation  = "account_deactivation_request"
	TypeDeletion      = "account_deletion_request"
	TypeRemoval       = "project_user_removal_request"
	TypeJoin          = "project_join_request"
	TypeIdentityLink  = "identity_linking_request"
	TypeClusterAccess = "cluster_access_request"
)

func validReviewStatus(s models.StepStatus) bool {
	return s == models.StepPending || s == models.StepApproved || s == models.StepDenied
}

func validCompletionStatus(s models.StepStatus) bool {
	return s == models.StepPending || s == models.StepComplete
}
