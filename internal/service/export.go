package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"coldfront/internal/models"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Export kinds and formats.
const (
	ExportProjects        = "projects"
	ExportPendingRequests = "pending-requests"
	FormatCSV             = "csv"
	FormatJSON            = "json"
	FormatYAML            = "yaml"
)

// ExportOptions select what export-data writes.
type ExportOptions struct {
	Kind          string
	Format        string
	AllowanceType models.AllowanceType
}

// ExportedProject is one row of the projects export.
type ExportedProject struct {
	ID            uint   `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Title         string `json:"title" yaml:"title"`
	Status        string `json:"status" yaml:"status"`
	AllowanceType string `json:"allowance_type" yaml:"allowance_type"`
	ServiceUnits  string `json:"service_units" yaml:"service_units"`
	PIs           string `json:"pis" yaml:"pis"`
}

// ExportedRequest is one row of the pending requests export.
type ExportedRequest struct {
	Type        string `json:"type" yaml:"type"`
	ID          uint   `json:"id" yaml:"id"`
	Status      string `json:"status" yaml:"status"`
	Requester   string `json:"requester" yaml:"requester"`
	PI          string `json:"pi" yaml:"pi"`
	Project     string `json:"project" yaml:"project"`
	RequestTime string `json:"request_time" yaml:"request_time"`
}

// ExportData writes the selected rows to out.
func (s *BatchService) ExportData(ctx context.Context, out io.Writer, opts ExportOptions) (*BatchReport, error) {
	switch opts.Format {
	case FormatCSV, FormatJSON, FormatYAML:
	default:
		return nil, models.NewValidationError(fmt.Sprintf("unsupported format %q", opts.Format))
	}
	if opts.AllowanceType != "" && opts.AllowanceType.NamePrefix() == "" {
		return nil, models.NewValidationError(fmt.Sprintf("unknown allowance type %q", opts.AllowanceType))
	}

	return s.run(ctx, CmdExportData, func(ctx context.Context, r *BatchReport) error {
		db := s.db.WithContext(ctx)
		var header []string
		var records [][]string
		var rows interface{}
		switch opts.Kind {
		case ExportProjects:
			projects, err := s.exportProjects(db, opts.AllowanceType)
			if err != nil {
				return models.NewInternalError(err)
			}
			header = []string{"id", "name", "title", "status", "allowance_type", "service_units", "pis"}
			for _, p := range projects {
				records = append(records, []string{strconv.FormatUint(uint64(p.ID), 10), p.Name, p.Title, p.Status, p.AllowanceType, p.ServiceUnits, p.PIs})
				r.succeed()
			}
			rows = projects
		case ExportPendingRequests:
			requests, err := s.exportPendingRequests(db, opts.AllowanceType)
			if err != nil {
				return models.NewInternalError(err)
			}
			header = []string{"type", "id", "status", "requester", "pi", "project", "request_time"}
			for _, req := range requests {
				records = append(records, []string{req.Type, strconv.FormatUint(uint64(req.ID), 10), req.Status, req.Requester, req.PI, req.Project, req.RequestTime})
				r.succeed()
			}
			rows = requests
		default:
			return models.NewValidationError(fmt.Sprintf("unknown export %q", opts.Kind))
		}

		switch opts.Format {
		case FormatCSV:
			w := csv.NewWriter(out)
			if err := w.Write(header); err != nil {
				return err
			}
			if err := w.WriteAll(records); err != nil {
				return err
			}
			return w.Error()
		case FormatJSON:
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		default:
			return yaml.NewEncoder(out).Encode(rows)
		}
	})
}

func (s *BatchService) exportProjects(db *gorm.DB, allowance models.AllowanceType) ([]ExportedProject, error) {
	q := db.Order("id")
	if allowance != "" {
		q = q.Where("name LIKE ?", allowance.NamePrefix()+"%")
	}
	var projects []models.Project
	if err := q.Find(&projects).Error; err != nil {
		return nil, err
	}
	out := make([]ExportedProject, 0, len(projects))
	for i := range projects {
		p := &projects[i]
		row := ExportedProject{ID: p.ID, Name: p.Name, Title: p.Title, Status: string(p.Status), AllowanceType: string(p.AllowanceType())}
		alloc, err := findProjectAllocation(db, p.ID, p.ComputeResourceName())
		if err != nil {
			return nil, err
		}
		if alloc != nil {
			units, ok, err := serviceUnits(db, alloc.ID)
			if err != nil {
				return nil, err
			}
			if ok {
				row.ServiceUnits = units.StringFixed(2)
			}
		}
		pis, err := membersWithRoles(db, p.ID, models.ProjectUserRolePI)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(pis))
		for _, pi := range pis {
			names = append(names, pi.User.Username)
		}
		row.PIs = strings.Join(names, ";")
		out = append(out, row)
	}
	return out, nil
}

func (s *BatchService) exportPendingRequests(db *gorm.DB, allowance models.AllowanceType) ([]ExportedRequest, error) {
	var out []ExportedRequest
	people := func(r *ExportedRequest, requester, pi *models.User, project *models.Project) {
		if requester != nil {
			r.Requester = requester.Username
		}
		if pi != nil {
			r.PI = pi.Username
		}
		if project != nil {
			r.Project = project.Name
		}
	}
	keep := func(project *models.Project) bool {
		return allowance == "" || (project != nil && project.AllowanceType() == allowance)
	}

	pendingProject := []models.ProjectRequestStatus{models.ProjectRequestUnderReview, models.ProjectRequestApprovedProcessing, models.ProjectRequestApprovedScheduled}
	var savio []models.SavioProjectAllocationRequest
	if err := db.Preload("Requester").Preload("PI").Preload("Project").
		Where("status IN ?", pendingProject).Order("id").Find(&savio).Error; err != nil {
		return nil, err
	}
	for i := range savio {
		req := &savio[i]
		if !keep(req.Project) {
			continue
		}
		row := ExportedRequest{Type: TypeSavio, ID: req.ID, Status: string(req.Status), RequestTime: exportTime(req.RequestTime)}
		people(&row, req.Requester, req.PI, req.Project)
		out = append(out, row)
	}

	var vector []models.VectorProjectAllocationRequest
	if err := db.Preload("Requester").Preload("PI").Preload("Project").
		Where("status IN ?", pendingProject).Order("id").Find(&vector).Error; err != nil {
		return nil, err
	}
	for i := range vector {
		req := &vector[i]
		if !keep(req.Project) {
			continue
		}
		row := ExportedRequest{Type: TypeVector, ID: req.ID, Status: string(req.Status), RequestTime: exportTime(req.RequestTime)}
		people(&row, req.Requester, req.PI, req.Project)
		out = append(out, row)
	}

	var renewals []models.AllocationRenewalRequest
	if err := db.Preload("Requester").Preload("PI").Preload("PostProject").
		Where("status IN ?", []models.RenewalRequestStatus{models.RenewalUnderReview, models.RenewalApproved}).
		Order("id").Find(&renewals).Error; err != nil {
		return nil, err
	}
	for i := range renewals {
		req := &renewals[i]
		if !keep(req.PostProject) {
			continue
		}
		row := ExportedRequest{Type: TypeRenewal, ID: req.ID, Status: string(req.Status), RequestTime: exportTime(req.RequestTime)}
		people(&row, req.Requester, req.PI, req.PostProject)
		out = append(out, row)
	}

	var secureDirs []models.SecureDirRequest
	if err := db.Preload("Requester").Preload("PI").Preload("Project").
		Where("status IN ?", []models.SecureDirRequestStatus{models.SecureDirUnderReview, models.SecureDirApprovedProcessing}).
		Order("id").Find(&secureDirs).Error; err != nil {
		return nil, err
	}
	for i := range secureDirs {
		req := &secureDirs[i]
		if !keep(req.Project) {
			continue
		}
		row := ExportedRequest{Type: TypeSecureDir, ID: req.ID, Status: string(req.Status), RequestTime: exportTime(req.RequestTime)}
		people(&row, req.Requester, req.PI, req.Project)
		out = append(out, row)
	}
	if out == nil {
		out = []ExportedRequest{}
	}
	return out, nil
}

func exportTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
