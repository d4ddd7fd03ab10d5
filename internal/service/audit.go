package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"coldfront/internal/models"
	"coldfront/internal/observability"
	"coldfront/internal/workflow"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Audit check names.
const (
	AuditAllocationDate  = "allocation-date"
	AuditProjectInactive = "project-inactive"
	AuditProjectPI       = "project-pi"
	AuditUserProject     = "user-project"
)

// AuditChecks are every check, in the order they run.
var AuditChecks = []string{AuditAllocationDate, AuditProjectInactive, AuditProjectPI, AuditUserProject}

// AuditFinding is one violated invariant.
type AuditFinding struct {
	Check   string `yaml:"check" json:"check"`
	Subject string `yaml:"subject" json:"subject"`
	Message string `yaml:"message" json:"message"`
}

// AuditReport lists the findings of each check that ran.
type AuditReport struct {
	Checks   []string       `yaml:"checks"`
	Findings []AuditFinding `yaml:"findings"`
}

type auditor struct {
	db     *gorm.DB
	loc    *time.Location
	today  time.Time
	report *AuditReport
}

func (a *auditor) add(check, subject, format string, args ...interface{}) {
	a.report.Findings = append(a.report.Findings, AuditFinding{Check: check, Subject: subject, Message: fmt.Sprintf(format, args...)})
}

// AuditData runs the named checks and writes the report to out as YAML.
// Audits are advisory: query failures become findings and nothing is
// returned as an error.
func (s *BatchService) AuditData(ctx context.Context, out io.Writer, checks []string) *AuditReport {
	ctx = observability.WithCorrelationID(ctx, observability.GenerateCorrelationID())
	observability.LogBatchStart(ctx, CmdAuditData, map[string]interface{}{"checks": checks})

	a := &auditor{
		db:     s.db.WithContext(ctx),
		loc:    s.cfg.Location,
		today:  workflow.LocalDate(s.now(), s.cfg.Location),
		report: &AuditReport{Checks: checks, Findings: []AuditFinding{}},
	}
	for _, check := range checks {
		var err error
		switch check {
		case AuditAllocationDate:
			err = a.allocationDates()
		case AuditProjectInactive:
			err = a.inactiveProjects()
		case AuditProjectPI:
			err = a.projectPIs()
		case AuditUserProject:
			err = a.userProjects()
		default:
			err = fmt.Errorf("unknown check")
		}
		if err != nil {
			a.add(check, "audit", "check could not run: %v", err)
		}
	}

	if err := yaml.NewEncoder(out).Encode(a.report); err != nil {
		observability.LogBatchItemError(ctx, CmdAuditData, err, nil)
	}
	observability.LogBatchEnd(ctx, CmdAuditData, map[string]interface{}{"findings": len(a.report.Findings)})
	return a.report
}

type auditAllocation struct {
	ID            uint
	ProjectName   string
	ProjectStatus models.ProjectStatus
	StartDate     *time.Time
	EndDate       *time.Time
}

func (a *auditor) date(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := workflow.LocalDate(*t, a.loc)
	return &d
}

func sameDate(a *time.Time, b time.Time) bool {
	return a != nil && a.Equal(b)
}

// allocationDates checks compute allocation dates against the allowance's
// allocation periods.
func (a *auditor) allocationDates() error {
	var rows []auditAllocation
	err := a.db.Table("allocations").
		Select("allocations.id, projects.name AS project_name, projects.status AS project_status, allocations.start_date, allocations.end_date").
		Joins("JOIN projects ON projects.id = allocations.project_id").
		Joins("JOIN resources ON resources.id = allocations.resource_id").
		Where("resources.name LIKE ?", "% Compute").
		Order("allocations.id").
		Scan(&rows).Error
	if err != nil {
		return err
	}

	var yearPeriod *models.AllocationPeriod
	var periods []models.AllocationPeriod
	if err := a.db.Where("end_date >= ?", a.today).Order("start_date").Find(&periods).Error; err != nil {
		return err
	}
	var termEnds []time.Time
	for i := range periods {
		p := &periods[i]
		switch {
		case strings.HasPrefix(p.Name, "Allowance Year"):
			if yearPeriod == nil && !p.StartDate.After(a.today) {
				yearPeriod = p
			}
		case strings.HasPrefix(p.Name, "Fall Semester"), strings.HasPrefix(p.Name, "Spring Semester"), strings.HasPrefix(p.Name, "Summer Sessions"):
			termEnds = append(termEnds, workflow.LocalDate(p.EndDate, time.UTC))
		}
	}

	for _, r := range rows {
		subject := fmt.Sprintf("Allocation %d (%s)", r.ID, r.ProjectName)
		start, end := a.date(r.StartDate), a.date(r.EndDate)
		if start != nil && end != nil && end.Before(*start) {
			a.add(AuditAllocationDate, subject, "end date %s is before start date %s", workflow.FormatDate(*end), workflow.FormatDate(*start))
		}
		project := models.Project{Name: r.ProjectName}
		switch project.AllowanceType() {
		case models.AllowanceFCA, models.AllowancePCA:
			if yearPeriod == nil {
				continue
			}
			if r.ProjectStatus == models.ProjectStatusInactive && !sameDate(start, workflow.LocalDate(yearPeriod.StartDate, time.UTC)) {
				a.add(AuditAllocationDate, subject, "inactive allocation does not start with %s", yearPeriod.Name)
			}
			if r.ProjectStatus == models.ProjectStatusActive && !sameDate(end, workflow.LocalDate(yearPeriod.EndDate, time.UTC)) {
				a.add(AuditAllocationDate, subject, "active allocation does not end with %s", yearPeriod.Name)
			}
		case models.AllowanceICA:
			if r.ProjectStatus == models.ProjectStatusInactive && end != nil && !end.Before(a.today) {
				a.add(AuditAllocationDate, subject, "inactive ICA has an end date that has not passed")
			}
			if r.ProjectStatus == models.ProjectStatusActive {
				matched := false
				for _, te := range termEnds {
					if sameDate(end, te) {
						matched = true
						break
					}
				}
				if !matched {
					a.add(AuditAllocationDate, subject, "active ICA does not end with any current instructional period")
				}
			}
		case models.AllowanceCO, models.AllowanceRecharge:
			if end != nil {
				a.add(AuditAllocationDate, subject, "condo or recharge allocation has an end date")
			}
		}
	}
	return nil
}

// inactiveProjects checks that inactive projects have only expired
// allocations with zero service units.
func (a *auditor) inactiveProjects() error {
	var projects []models.Project
	if err := a.db.Where("status = ?", models.ProjectStatusInactive).Order("id").Find(&projects).Error; err != nil {
		return err
	}
	for _, p := range projects {
		var allocs []models.Allocation
		if err := a.db.Where("project_id = ?", p.ID).Order("id").Find(&allocs).Error; err != nil {
			return err
		}
		subject := fmt.Sprintf("Project %d (%s)", p.ID, p.Name)
		for _, alloc := range allocs {
			if alloc.Status != models.AllocationStatusExpired {
				a.add(AuditProjectInactive, subject, "inactive project has allocation %d with status %s", alloc.ID, alloc.Status)
			}
			units, ok, err := serviceUnits(a.db, alloc.ID)
			if err != nil {
				return err
			}
			if ok && !units.Equal(decimal.Zero) {
				a.add(AuditProjectInactive, subject, "inactive project has %s service units on allocation %d", units.StringFixed(2), alloc.ID)
			}
		}
	}
	return nil
}

// projectPIs checks that every project has an active PI.
func (a *auditor) projectPIs() error {
	var projects []models.Project
	err := a.db.
		Where("NOT EXISTS (SELECT 1 FROM project_users WHERE project_users.project_id = projects.id AND project_users.role = ? AND project_users.status = ?)",
			models.ProjectUserRolePI, models.ProjectUserStatusActive).
		Order("id").Find(&projects).Error
	if err != nil {
		return err
	}
	for _, p := range projects {
		a.add(AuditProjectPI, fmt.Sprintf("Project %d (%s)", p.ID, p.Name), "project has no PIs")
	}
	return nil
}

// userProjects checks that every user with a cluster UID belongs to a
// project.
func (a *auditor) userProjects() error {
	var users []models.User
	err := a.db.
		Where("cluster_uid IS NOT NULL").
		Where("NOT EXISTS (SELECT 1 FROM project_users WHERE project_users.user_id = users.id)").
		Order("id").Find(&users).Error
	if err != nil {
		return err
	}
	for _, u := range users {
		a.add(AuditUserProject, fmt.Sprintf("User %d (%s, %s)", u.ID, u.FullName(), u.Email),
			"user has a cluster UID but is not associated with any projects")
	}
	return nil
}
