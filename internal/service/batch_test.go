package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"coldfront/internal/mail"
	"coldfront/internal/models"
	"coldfront/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func endAllocation(t *testing.T, f *fixture, alloc *models.Allocation, end time.Time) {
	t.Helper()
	require.NoError(t, f.db.Model(alloc).Update("end_date", end).Error)
}

func TestBatchService_DeactivateICAProjects(t *testing.T) {
	f := newFixture(t, julyNoon)
	res := testutil.SeedResources(t, f.db)
	svc := NewBatchService(f.deps())
	ctx := context.Background()
	pi := testutil.CreateUser(t, f.db, "instructor")

	expired := testutil.CreateProject(t, f.db, "ic_spring", models.ProjectStatusActive)
	testutil.AddMember(t, f.db, expired, pi, models.ProjectUserRolePI, models.ProjectUserStatusActive)
	expiredAlloc := testutil.CreateAllocation(t, f.db, expired, res[models.ResourceSavioCompute], models.AllocationStatusActive)
	testutil.SetAttribute(t, f.db, expiredAlloc, models.AttrServiceUnits, "120.00")
	endAllocation(t, f, expiredAlloc, testutil.Date(2026, time.May, 15))

	current := testutil.CreateProject(t, f.db, "ic_fall", models.ProjectStatusActive)
	currentAlloc := testutil.CreateAllocation(t, f.db, current, res[models.ResourceSavioCompute], models.AllocationStatusActive)
	endAllocation(t, f, currentAlloc, testutil.Date(2026, time.December, 31))

	var out bytes.Buffer
	report, err := svc.DeactivateICAProjects(ctx, &out, true, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Contains(t, out.String(), "Would update Project ic_spring")
	assert.Equal(t, models.ProjectStatusActive, f.project(t, expired.ID).Status)

	out.Reset()
	report, err = svc.DeactivateICAProjects(ctx, &out, false, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Contains(t, out.String(), "Updated Project ic_spring")

	assert.Equal(t, models.ProjectStatusInactive, f.project(t, expired.ID).Status)
	assert.Equal(t, models.AllocationStatusExpired, f.allocation(t, expired.ID, models.ResourceSavioCompute).Status)
	assert.Equal(t, "0.00", testutil.Attribute(t, f.db, expiredAlloc.ID, models.AttrServiceUnits))
	assert.Equal(t, models.ProjectStatusActive, f.project(t, current.ID).Status)

	sent := f.mailer.ByTemplate(mail.TmplExpiredICAProject)
	require.Len(t, sent, 1)
	assert.Equal(t, "ic_spring", sent[0].Data["ProjectName"])
}

func TestBatchService_ProcessScheduledRequests(t *testing.T) {
	f := newFixture(t, julyNoon)
	res := testutil.SeedResources(t, f.db)
	ctx := context.Background()
	period := testutil.CreatePeriod(t, f.db, "Allowance Year 2026 - 2027", testutil.Date(2026, time.June, 1), testutil.Date(2027, time.May, 31))
	pi := testutil.CreateUser(t, f.db, "pi")
	project := testutil.CreateProject(t, f.db, "fc_lab", models.ProjectStatusActive)
	testutil.AddMember(t, f.db, project, pi, models.ProjectUserRolePI, models.ProjectUserStatusActive)
	alloc := testutil.CreateAllocation(t, f.db, project, res[models.ResourceSavioCompute], models.AllocationStatusActive)
	testutil.SetAttribute(t, f.db, alloc, models.AttrServiceUnits, "0.00")

	renewals := NewRenewalService(f.deps())
	req, err := renewals.Create(ctx, CreateRenewalRequest{
		RequesterID: pi.ID, PIID: pi.ID, AllocationPeriodID: period.ID,
		PreProjectID: &project.ID, PostProjectID: &project.ID,
	})
	require.NoError(t, err)
	_, err = renewals.ReviewEligibility(ctx, req.ID, models.StepApproved, "")
	require.NoError(t, err)

	svc := NewBatchService(f.deps())
	_, err = svc.ProcessScheduledRequests(ctx, &bytes.Buffer{}, "everything", false)
	assertAppError(t, err, models.CodeValidation)

	var out bytes.Buffer
	report, err := svc.ProcessScheduledRequests(ctx, &out, "all", true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Contains(t, out.String(), "Would process AllocationRenewalRequest")

	out.Reset()
	report, err = svc.ProcessScheduledRequests(ctx, &out, "all", false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Contains(t, out.String(), "Processed 1 AllocationRenewalRequests, with 1 successes and 0 failures.")
	assert.Contains(t, out.String(), "Processed 0 SavioProjectAllocationRequests, with 0 successes and 0 failures.")
	assert.Equal(t, "275000.00", testutil.Attribute(t, f.db, alloc.ID, models.AttrServiceUnits))
}

func TestBatchService_AddAccountingDefaultsIsIdempotent(t *testing.T) {
	f := newFixture(t, julyNoon)
	svc := NewBatchService(f.deps())
	ctx := context.Background()

	var out bytes.Buffer
	report, err := svc.AddAccountingDefaults(ctx, &out)
	require.NoError(t, err)
	assert.Equal(t, 7, report.Succeeded)
	assert.Contains(t, out.String(), `Created AllocationPeriod "Allowance Year 2026 - 2027".`)
	assert.Contains(t, out.String(), `Created Project "vector_users".`)

	out.Reset()
	report, err = svc.AddAccountingDefaults(ctx, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Succeeded)
	assert.Equal(t, 7, report.Skipped)
	assert.Empty(t, out.String())

	assert.Equal(t, int64(4), f.count(t, &models.Resource{}, ""))
	var groups models.Resource
	require.NoError(t, f.db.Where("name = ?", models.ResourceGroupsDirectory).First(&groups).Error)
	assert.Equal(t, "/global/home/groups/pl1data", groups.Path)
}

func TestDefaultAllocationPeriods(t *testing.T) {
	for _, tc := range []struct {
		day  time.Time
		year string
		term string
	}{
		{testutil.Date(2026, time.March, 10), "Allowance Year 2025 - 2026", "Spring Semester 2026"},
		{testutil.Date(2026, time.May, 31), "Allowance Year 2025 - 2026", "Summer Sessions 2026"},
		{testutil.Date(2026, time.July, 15), "Allowance Year 2026 - 2027", "Summer Sessions 2026"},
		{testutil.Date(2026, time.October, 1), "Allowance Year 2026 - 2027", "Fall Semester 2026"},
	} {
		t.Run(tc.day.Format("2006-01-02"), func(t *testing.T) {
			periods := DefaultAllocationPeriods(tc.day)
			require.Len(t, periods, 2)
			assert.Equal(t, tc.year, periods[0].Name)
			assert.Equal(t, tc.term, periods[1].Name)
			assert.False(t, tc.day.Before(periods[1].StartDate))
			assert.False(t, tc.day.After(periods[1].EndDate))
		})
	}
}

func TestBatchService_Dequeue(t *testing.T) {
	f := newFixture(t, julyNoon)
	ctx := context.Background()
	user := testutil.CreateUser(t, f.db, "alice")
	req, err := NewDeactivationService(f.deps()).Create(ctx, CreateDeactivationRequest{UserID: user.ID, Reason: models.ReasonNoValidUserAccountFeeBillingID})
	require.NoError(t, err)

	svc := NewBatchService(f.depsAt(julyNoon.AddDate(0, 1, 0)))
	var out bytes.Buffer
	report, err := svc.DequeueDeactivations(ctx, &out, DequeueAll)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Contains(t, out.String(), "Dequeued ClusterAccountDeactivationRequest")

	got, err := NewDeactivationService(f.deps()).Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountRequestReady, got.Status)

	report, err = svc.DequeueDeletions(ctx, &out)
	require.NoError(t, err)
	assert.Zero(t, report.Total)
}

func TestBatchService_AuditData(t *testing.T) {
	f := newFixture(t, julyNoon)
	res := testutil.SeedResources(t, f.db)
	svc := NewBatchService(f.deps())
	pi := testutil.CreateUser(t, f.db, "pi")

	testutil.CreateProject(t, f.db, "fc_ghost", models.ProjectStatusActive)

	old := testutil.CreateProject(t, f.db, "fc_old", models.ProjectStatusInactive)
	testutil.AddMember(t, f.db, old, pi, models.ProjectUserRolePI, models.ProjectUserStatusActive)
	oldAlloc := testutil.CreateAllocation(t, f.db, old, res[models.ResourceSavioCompute], models.AllocationStatusActive)
	testutil.SetAttribute(t, f.db, oldAlloc, models.AttrServiceUnits, "10.00")

	condo := testutil.CreateProject(t, f.db, "co_condo", models.ProjectStatusActive)
	testutil.AddMember(t, f.db, condo, pi, models.ProjectUserRolePI, models.ProjectUserStatusActive)
	condoAlloc := testutil.CreateAllocation(t, f.db, condo, res[models.ResourceSavioCompute], models.AllocationStatusActive)
	endAllocation(t, f, condoAlloc, testutil.Date(2027, time.January, 1))

	orphan := testutil.CreateUser(t, f.db, "orphan")
	uid := "40001"
	require.NoError(t, f.db.Model(orphan).Update("cluster_uid", uid).Error)

	var out bytes.Buffer
	report := svc.AuditData(context.Background(), &out, AuditChecks)

	byCheck := map[string][]AuditFinding{}
	for _, finding := range report.Findings {
		byCheck[finding.Check] = append(byCheck[finding.Check], finding)
	}
	require.Len(t, byCheck[AuditAllocationDate], 1)
	assert.Contains(t, byCheck[AuditAllocationDate][0].Subject, "co_condo")
	assert.Len(t, byCheck[AuditProjectInactive], 2)
	require.Len(t, byCheck[AuditProjectPI], 1)
	assert.Contains(t, byCheck[AuditProjectPI][0].Subject, "fc_ghost")
	require.Len(t, byCheck[AuditUserProject], 1)
	assert.Contains(t, byCheck[AuditUserProject][0].Subject, "orphan@example.edu")

	var decoded AuditReport
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, AuditChecks, decoded.Checks)
	assert.Len(t, decoded.Findings, len(report.Findings))
}

func TestBatchService_AuditUnknownCheck(t *testing.T) {
	f := newFixture(t, julyNoon)
	report := NewBatchService(f.deps()).AuditData(context.Background(), &bytes.Buffer{}, []string{"bogus"})
	require.Len(t, report.Findings, 1)
	assert.Contains(t, report.Findings[0].Message, "unknown check")
}

func TestBatchService_ExportData(t *testing.T) {
	f := newFixture(t, julyNoon)
	res := testutil.SeedResources(t, f.db)
	svc := NewBatchService(f.deps())
	ctx := context.Background()
	pi := testutil.CreateUser(t, f.db, "pi")
	lab := testutil.CreateProject(t, f.db, "fc_lab", models.ProjectStatusActive)
	testutil.AddMember(t, f.db, lab, pi, models.ProjectUserRolePI, models.ProjectUserStatusActive)
	alloc := testutil.CreateAllocation(t, f.db, lab, res[models.ResourceSavioCompute], models.AllocationStatusActive)
	testutil.SetAttribute(t, f.db, alloc, models.AttrServiceUnits, "100.00")
	testutil.CreateProject(t, f.db, "co_condo", models.ProjectStatusActive)

	_, err := svc.ExportData(ctx, &bytes.Buffer{}, ExportOptions{Kind: ExportProjects, Format: "xml"})
	assertAppError(t, err, models.CodeValidation)
	_, err = svc.ExportData(ctx, &bytes.Buffer{}, ExportOptions{Kind: "everything", Format: FormatCSV})
	assertAppError(t, err, models.CodeValidation)

	t.Run("csv", func(t *testing.T) {
		var out bytes.Buffer
		report, err := svc.ExportData(ctx, &out, ExportOptions{Kind: ExportProjects, Format: FormatCSV, AllowanceType: models.AllowanceFCA})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Succeeded)
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, "id,name,title,status,allowance_type,service_units,pis", lines[0])
		assert.Equal(t, "1,fc_lab,Title of fc_lab,Active,FCA,100.00,pi", lines[1])
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		_, err := svc.ExportData(ctx, &out, ExportOptions{Kind: ExportProjects, Format: FormatJSON})
		require.NoError(t, err)
		var rows []ExportedProject
		require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
		require.Len(t, rows, 2)
		assert.Equal(t, "co_condo", rows[1].Name)
		assert.Equal(t, "", rows[1].ServiceUnits)
	})

	t.Run("pending requests", func(t *testing.T) {
		_, err := NewVectorService(f.deps()).Create(ctx, CreateVectorRequest{RequesterID: pi.ID, PIID: pi.ID, ProjectName: "vector_arms"})
		require.NoError(t, err)
		var out bytes.Buffer
		_, err = svc.ExportData(ctx, &out, ExportOptions{Kind: ExportPendingRequests, Format: FormatYAML})
		require.NoError(t, err)
		var rows []ExportedRequest
		require.NoError(t, yaml.Unmarshal(out.Bytes(), &rows))
		require.Len(t, rows, 1)
		assert.Equal(t, TypeVector, rows[0].Type)
		assert.Equal(t, "vector_arms", rows[0].Project)
		assert.Equal(t, "2026-07-15T19:00:00Z", rows[0].RequestTime)
	})
}
