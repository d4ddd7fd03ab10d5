package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"coldfront/internal/cache"
	"coldfront/internal/mail"
	"coldfront/internal/models"
	"coldfront/internal/observability"
	"coldfront/internal/workflow"

	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"
)

// Batch command names, used for locks, logs and metrics.
const (
	CmdDeactivateICAProjects     = "deactivate-ica-projects"
	CmdPendingJoinReminder       = "pending-join-request-reminder"
	CmdAuditData                 = "audit-data"
	CmdAddAccountingDefaults     = "add-accounting-defaults"
	CmdProcessScheduledRequests  = "process-scheduled-requests"
	CmdDequeueDeactivations      = "dequeue-cluster-account-deactivation-requests"
	CmdDequeueDeletions          = "dequeue-account-deletion-requests"
	CmdExportData                = "export-data"
	defaultBatchTimeout          = 30 * time.Minute
	scheduledAllocationRenewals  = "allocation-renewal-requests"
	scheduledNewProjectRequests  = "new-project-requests"
	scheduledAll                 = "all"
	defaultGroupsDirectoryPath   = "/global/home/groups/pl1data"
	defaultScratch2DirectoryPath = "/global/scratch/p2p3/pl1_data"
)

// ScheduledKinds are the accepted process-scheduled-requests arguments.
var ScheduledKinds = []string{scheduledAll, scheduledAllocationRenewals, scheduledNewProjectRequests}

// BatchReport summarizes one batch command run.
type BatchReport struct {
	Command   string
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	errs      *multierror.Error
}

func (r *BatchReport) succeed() {
	r.Total++
	r.Succeeded++
	observability.BatchItems.WithLabelValues(r.Command, "success").Inc()
}

func (r *BatchReport) skip() {
	r.Total++
	r.Skipped++
	observability.BatchItems.WithLabelValues(r.Command, "skipped").Inc()
}

func (r *BatchReport) fail(ctx context.Context, err error, fields map[string]interface{}) {
	r.Total++
	r.Failed++
	r.errs = multierror.Append(r.errs, err)
	observability.BatchItems.WithLabelValues(r.Command, "failure").Inc()
	observability.LogBatchItemError(ctx, r.Command, err, fields)
}

// Err returns the aggregated item failures, or nil.
func (r *BatchReport) Err() error {
	return r.errs.ErrorOrNil()
}

func (r *BatchReport) fields() map[string]interface{} {
	return map[string]interface{}{
		"total":     r.Total,
		"succeeded": r.Succeeded,
		"failed":    r.Failed,
		"skipped":   r.Skipped,
	}
}

// BatchService runs the management commands.
type BatchService struct {
	base
	savio        *SavioService
	renewals     *RenewalService
	membership   *MembershipService
	deactivation *DeactivationService
	deletion     *DeletionService
}

func NewBatchService(d Deps) *BatchService {
	return &BatchService{
		base:         newBase(d),
		savio:        NewSavioService(d),
		renewals:     NewRenewalService(d),
		membership:   NewMembershipService(d),
		deactivation: NewDeactivationService(d),
		deletion:     NewDeletionService(d),
	}
}

// run bounds the command by BATCH_COMMAND_TIMEOUT_MINUTES and holds a redis
// lock so two invocations never overlap.
func (s *BatchService) run(ctx context.Context, command string, fn func(ctx context.Context, r *BatchReport) error) (*BatchReport, error) {
	timeout := time.Duration(s.cfg.BatchCommandTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = defaultBatchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = observability.WithCorrelationID(ctx, observability.GenerateCorrelationID())

	lock, err := cache.AcquireLock(ctx, command, timeout)
	if err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			return nil, models.NewConflictError(command + " is already running")
		}
		return nil, models.NewInternalError(err)
	}
	defer func() { _ = lock.Release(context.Background()) }()

	observability.LogBatchStart(ctx, command, nil)
	report := &BatchReport{Command: command}
	err = fn(ctx, report)
	observability.LogBatchEnd(ctx, command, report.fields())
	return report, err
}

// DeactivateICAProjects expires every ICA project whose compute allocation
// ended before today.
func (s *BatchService) DeactivateICAProjects(ctx context.Context, out io.Writer, dryRun, sendEmails bool) (*BatchReport, error) {
	return s.run(ctx, CmdDeactivateICAProjects, func(ctx context.Context, r *BatchReport) error {
		var projects []models.Project
		if err := s.db.WithContext(ctx).
			Where("name LIKE ? AND status <> ?", models.AllowanceICA.NamePrefix()+"%", models.ProjectStatusInactive).
			Order("id").Find(&projects).Error; err != nil {
			return models.NewInternalError(err)
		}
		today := workflow.LocalDate(s.now(), s.cfg.Location)
		for i := range projects {
			project := &projects[i]
			alloc, err := findProjectAllocation(s.db.WithContext(ctx), project.ID, project.ComputeResourceName())
			if err != nil {
				r.fail(ctx, err, map[string]interface{}{"project": project.Name})
				continue
			}
			if alloc == nil || alloc.EndDate == nil || !workflow.LocalDate(*alloc.EndDate, s.cfg.Location).Before(today) {
				continue
			}
			endDate := workflow.FormatDate(workflow.LocalDate(*alloc.EndDate, s.cfg.Location))
			if dryRun {
				fmt.Fprintf(out, "Would update Project %s (%d)'s status to %s and Allocation %d's status to %s, and reset its service units to 0.00.\n",
					project.Name, project.ID, models.ProjectStatusInactive, alloc.ID, models.AllocationStatusExpired)
				r.skip()
				continue
			}
			_, err = s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
				if err := expireProject(tx, fx, project, s.now()); err != nil {
					return err
				}
				if !sendEmails {
					return nil
				}
				leads, err := membersWithRoles(tx, project.ID, models.ProjectUserRolePI, models.ProjectUserRoleManager)
				if err != nil {
					return err
				}
				emailUsers(fx, mail.TmplExpiredICAProject, fmt.Sprintf("Expired ICA Project %s", project.Name),
					projectUsers(leads), map[string]interface{}{"ProjectName": project.Name, "EndDate": endDate}, nil)
				return nil
			})
			if err != nil {
				fmt.Fprintf(out, "Failed to deactivate Project %s (%d): %v\n", project.Name, project.ID, err)
				r.fail(ctx, err, map[string]interface{}{"project": project.Name})
				continue
			}
			fmt.Fprintf(out, "Updated Project %s (%d)'s status to %s and Allocation %d's status to %s.\n",
				project.Name, project.ID, models.ProjectStatusInactive, alloc.ID, models.AllocationStatusExpired)
			r.succeed()
		}
		return r.Err()
	})
}

// SendPendingJoinReminders emails every project with pending join requests.
func (s *BatchService) SendPendingJoinReminders(ctx context.Context, out io.Writer) (*BatchReport, error) {
	return s.run(ctx, CmdPendingJoinReminder, func(ctx context.Context, r *BatchReport) error {
		n, err := s.membership.SendPendingJoinReminders(ctx)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			r.succeed()
		}
		fmt.Fprintf(out, "Sent %d pending join request reminder emails.\n", n)
		return nil
	})
}

// ProcessScheduledRequests runs the processing runner on approved renewals
// and scheduled new project requests whose allocation period has started.
func (s *BatchService) ProcessScheduledRequests(ctx context.Context, out io.Writer, kind string, dryRun bool) (*BatchReport, error) {
	var kinds []string
	switch kind {
	case scheduledAll:
		kinds = []string{scheduledAllocationRenewals, scheduledNewProjectRequests}
	case scheduledAllocationRenewals, scheduledNewProjectRequests:
		kinds = []string{kind}
	default:
		return nil, models.NewValidationError(fmt.Sprintf("unknown subcommand %q, expected one of %s", kind, strings.Join(ScheduledKinds, ", ")))
	}
	return s.run(ctx, CmdProcessScheduledRequests, func(ctx context.Context, r *BatchReport) error {
		for _, k := range kinds {
			var err error
			if k == scheduledAllocationRenewals {
				err = s.processScheduledRenewals(ctx, out, r, dryRun)
			} else {
				err = s.processScheduledNewProjects(ctx, out, r, dryRun)
			}
			if err != nil {
				return err
			}
		}
		return r.Err()
	})
}

func (s *BatchService) processScheduledRenewals(ctx context.Context, out io.Writer, r *BatchReport, dryRun bool) error {
	var reqs []models.AllocationRenewalRequest
	if err := s.db.WithContext(ctx).Preload("AllocationPeriod").
		Where("status = ?", models.RenewalApproved).Order("id").Find(&reqs).Error; err != nil {
		return models.NewInternalError(err)
	}
	var total, ok, failed int
	for i := range reqs {
		req := &reqs[i]
		if req.AllocationPeriod == nil || !workflow.PeriodStarted(req.AllocationPeriod, s.now(), s.cfg.Location) {
			continue
		}
		total++
		if dryRun {
			fmt.Fprintf(out, "Would process AllocationRenewalRequest %d.\n", req.ID)
			r.skip()
			continue
		}
		done, err := s.renewals.Process(ctx, req.ID)
		if err != nil {
			failed++
			fmt.Fprintf(out, "Failed to process AllocationRenewalRequest %d. Details: %v\n", req.ID, err)
			r.fail(ctx, err, map[string]interface{}{"request_type": TypeRenewal, "request_id": req.ID})
			continue
		}
		ok++
		fmt.Fprintf(out, "Processed AllocationRenewalRequest %d with %s service units.\n", req.ID, done.NumServiceUnits.StringFixed(2))
		r.succeed()
	}
	if !dryRun {
		writeStatistics(out, "AllocationRenewalRequest", total, ok, failed)
	}
	return nil
}

func (s *BatchService) processScheduledNewProjects(ctx context.Context, out io.Writer, r *BatchReport, dryRun bool) error {
	var reqs []models.SavioProjectAllocationRequest
	if err := s.db.WithContext(ctx).Preload("AllocationPeriod").
		Where("status = ?", models.ProjectRequestApprovedScheduled).Order("id").Find(&reqs).Error; err != nil {
		return models.NewInternalError(err)
	}
	var total, ok, failed int
	for i := range reqs {
		req := &reqs[i]
		if req.AllocationPeriod != nil && !workflow.PeriodStarted(req.AllocationPeriod, s.now(), s.cfg.Location) {
			continue
		}
		total++
		if dryRun {
			fmt.Fprintf(out, "Would process SavioProjectAllocationRequest %d.\n", req.ID)
			r.skip()
			continue
		}
		if err := s.savio.ProcessScheduled(ctx, req.ID); err != nil {
			failed++
			fmt.Fprintf(out, "Failed to process SavioProjectAllocationRequest %d. Details: %v\n", req.ID, err)
			r.fail(ctx, err, map[string]interface{}{"request_type": TypeSavio, "request_id": req.ID})
			continue
		}
		ok++
		fmt.Fprintf(out, "Processed SavioProjectAllocationRequest %d.\n", req.ID)
		r.succeed()
	}
	if !dryRun {
		writeStatistics(out, "SavioProjectAllocationRequest", total, ok, failed)
	}
	return nil
}

func writeStatistics(out io.Writer, model string, total, ok, failed int) {
	fmt.Fprintf(out, "Processed %d %ss, with %d successes and %d failures.\n", total, model, ok, failed)
}

// DequeueDeactivations moves expired Queued deactivation requests to Ready.
func (s *BatchService) DequeueDeactivations(ctx context.Context, out io.Writer, reason string) (*BatchReport, error) {
	return s.run(ctx, CmdDequeueDeactivations, func(ctx context.Context, r *BatchReport) error {
		ids, err := s.deactivation.Dequeue(ctx, reason)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintf(out, "Dequeued ClusterAccountDeactivationRequest %d.\n", id)
			r.succeed()
		}
		return nil
	})
}

// DequeueDeletions moves expired Queued deletion requests to Ready.
func (s *BatchService) DequeueDeletions(ctx context.Context, out io.Writer) (*BatchReport, error) {
	return s.run(ctx, CmdDequeueDeletions, func(ctx context.Context, r *BatchReport) error {
		ids, err := s.deletion.Dequeue(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintf(out, "Dequeued AccountDeletionRequest %d.\n", id)
			r.succeed()
		}
		return nil
	})
}

// AddAccountingDefaults creates the cluster resources, the vector users
// project and the current allocation periods. Running it twice changes
// nothing.
func (s *BatchService) AddAccountingDefaults(ctx context.Context, out io.Writer) (*BatchReport, error) {
	return s.run(ctx, CmdAddAccountingDefaults, func(ctx context.Context, r *BatchReport) error {
		_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
			resources := []models.Resource{
				{Name: models.ResourceSavioCompute},
				{Name: models.ResourceVectorCompute},
				{Name: models.ResourceGroupsDirectory, Path: defaultGroupsDirectoryPath},
				{Name: models.ResourceScratch2Directory, Path: defaultScratch2DirectoryPath},
			}
			for i := range resources {
				made, err := ensureRow(tx, &resources[i], "name = ?", resources[i].Name)
				if err != nil {
					return err
				}
				reportCreated(out, r, made, "Resource", resources[i].Name)
			}

			if name := strings.TrimSpace(s.cfg.SavioProjectForVectorUsers); name != "" {
				project := models.Project{Name: name, Title: "Vector cluster users", Status: models.ProjectStatusActive}
				made, err := ensureRow(tx, &project, "name = ?", name)
				if err != nil {
					return err
				}
				reportCreated(out, r, made, "Project", name)
			}

			periods := DefaultAllocationPeriods(workflow.LocalDate(s.now(), s.cfg.Location))
			for i := range periods {
				made, err := ensureRow(tx, &periods[i], "name = ?", periods[i].Name)
				if err != nil {
					return err
				}
				reportCreated(out, r, made, "AllocationPeriod", periods[i].Name)
			}
			return nil
		})
		return err
	})
}

// ensureRow loads the row matching cond into row, or creates row when none
// exists. It reports whether a row was created.
func ensureRow[T any](tx *gorm.DB, row *T, cond string, args ...interface{}) (bool, error) {
	var existing T
	res := tx.Where(cond, args...).Limit(1).Find(&existing)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		*row = existing
		return false, nil
	}
	return true, tx.Create(row).Error
}

func reportCreated(out io.Writer, r *BatchReport, created bool, model, name string) {
	if created {
		fmt.Fprintf(out, "Created %s %q.\n", model, name)
		r.succeed()
		return
	}
	r.skip()
}

// DefaultAllocationPeriods returns the allowance year (June 1 to May 31) and
// the instructional term containing day.
func DefaultAllocationPeriods(day time.Time) []models.AllocationPeriod {
	date := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	y := day.Year()

	startYear := y
	if day.Month() < time.June {
		startYear = y - 1
	}
	periods := []models.AllocationPeriod{{
		Name:      fmt.Sprintf("Allowance Year %d - %d", startYear, startYear+1),
		StartDate: date(startYear, time.June, 1),
		EndDate:   date(startYear+1, time.May, 31),
	}}

	switch {
	case day.Before(date(y, time.May, 16)):
		periods = append(periods, models.AllocationPeriod{
			Name: fmt.Sprintf("Spring Semester %d", y), StartDate: date(y, time.January, 1), EndDate: date(y, time.May, 15),
		})
	case day.Before(date(y, time.August, 16)):
		periods = append(periods, models.AllocationPeriod{
			Name: fmt.Sprintf("Summer Sessions %d", y), StartDate: date(y, time.May, 16), EndDate: date(y, time.August, 15),
		})
	default:
		periods = append(periods, models.AllocationPeriod{
			Name: fmt.Sprintf("Fall Semester %d", y), StartDate: date(y, time.August, 16), EndDate: date(y, time.December, 31),
		})
	}
	return periods
}
