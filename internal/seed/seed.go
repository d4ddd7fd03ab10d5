package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"coldfront/internal/database"
	"coldfront/internal/models"
	"coldfront/internal/service"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Options configure the seeder.
type Options struct {
	NumUsers    int
	NumProjects int
	NumRequests int
	// SkipBcrypt stores the plain password; only for throwaway databases.
	SkipBcrypt bool
	RandSeed   int64
}

// Summary counts what a run created.
type Summary struct {
	Users    int
	Projects int
	Requests map[string]int
	Skipped  int
}

// Seeder fills a database with users, projects and pending requests. Requests
// are filed through the services so they carry the same state as API ones.
type Seeder struct {
	deps service.Deps
	opts Options
}

// NewSeeder builds a Seeder from the shared service collaborators.
func NewSeeder(deps service.Deps, opts Options) *Seeder {
	return &Seeder{deps: deps, opts: opts}
}

var allowanceCycle = []models.AllowanceType{
	models.AllowanceFCA,
	models.AllowanceCO,
	models.AllowanceICA,
	models.AllowancePCA,
	models.AllowanceRecharge,
	models.AllowanceVector,
}

// ClearAll deletes every row of every persistent model, children first.
func (s *Seeder) ClearAll(ctx context.Context) error {
	db := s.deps.DB.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	tables := database.PersistentModels()
	slices.Reverse(tables)
	for _, m := range tables {
		if err := db.Delete(m).Error; err != nil {
			return fmt.Errorf("clear %T: %w", m, err)
		}
	}
	return nil
}

// Seed creates the accounting defaults, a superuser named admin, the
// requested users and projects, then files pending requests.
func (s *Seeder) Seed(ctx context.Context, out io.Writer) (*Summary, error) {
	db := s.deps.DB.WithContext(ctx)
	if _, err := service.NewBatchService(s.deps).AddAccountingDefaults(ctx, out); err != nil {
		return nil, fmt.Errorf("accounting defaults: %w", err)
	}
	var year models.AllocationPeriod
	if err := db.Where("name LIKE ?", "Allowance Year%").Order("start_date DESC").First(&year).Error; err != nil {
		return nil, fmt.Errorf("find allowance year: %w", err)
	}

	f, err := NewFactory(db, s.opts)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Requests: map[string]int{}}

	if _, err := f.CreateUser(func(u *models.User) {
		u.Username, u.Email = "admin", "admin@berkeley.example.edu"
		u.IsStaff, u.IsSuperuser = true, true
	}); err != nil {
		return nil, err
	}
	users := make([]*models.User, 0, s.opts.NumUsers)
	for i := 0; i < s.opts.NumUsers; i++ {
		u, err := f.CreateUser()
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	sum.Users = len(users) + 1
	fmt.Fprintf(out, "Created %d users.\n", sum.Users)
	if len(users) < 2 {
		return sum, nil
	}

	projects := make([]*models.Project, 0, s.opts.NumProjects)
	for i := 0; i < s.opts.NumProjects; i++ {
		allowance := allowanceCycle[i%len(allowanceCycle)]
		pi := pick(users)
		if err := db.Model(pi).Update("is_pi", true).Error; err != nil {
			return nil, err
		}
		var manager *models.User
		if gofakeit.Bool() {
			manager = pickOther(users, pi)
		}
		var members []*models.User
		for _, u := range users {
			if u != pi && u != manager && gofakeit.Number(1, 4) == 1 {
				members = append(members, u)
			}
		}
		p, err := f.CreateProject(allowance, pi, manager, members)
		if err != nil {
			return nil, err
		}
		if _, err := f.CreateComputeAllocation(p, &year, decimal.NewFromInt(int64(gofakeit.Number(1000, 300000)))); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	sum.Projects = len(projects)
	fmt.Fprintf(out, "Created %d projects.\n", sum.Projects)

	for i := 0; i < s.opts.NumRequests; i++ {
		kind, err := s.fileRequest(ctx, f, i, users, projects, &year)
		switch {
		case isExpected(err):
			sum.Skipped++
		case err != nil:
			return nil, err
		default:
			sum.Requests[kind]++
		}
	}
	fmt.Fprintf(out, "Filed %d requests (%d skipped).\n", s.opts.NumRequests-sum.Skipped, sum.Skipped)
	return sum, nil
}

// fileRequest files the i-th request, rotating through the request types.
func (s *Seeder) fileRequest(ctx context.Context, f *Factory, i int, users []*models.User, projects []*models.Project, year *models.AllocationPeriod) (string, error) {
	requester := pick(users)
	pi := pick(users)
	switch i % 4 {
	case 0:
		_, err := service.NewSavioService(s.deps).Create(ctx, service.CreateSavioRequest{
			RequesterID:        requester.ID,
			PIID:               pi.ID,
			AllocationType:     models.AllowanceFCA,
			ProjectName:        f.ProjectName(models.AllowanceFCA),
			Title:              f.ProjectTitle(),
			Description:        gofakeit.Paragraph(1, 2, 10, " "),
			AllocationPeriodID: &year.ID,
		})
		return "savio", err
	case 1:
		_, err := service.NewVectorService(s.deps).Create(ctx, service.CreateVectorRequest{
			RequesterID: requester.ID,
			PIID:        pi.ID,
			ProjectName: f.ProjectName(models.AllowanceVector),
			Title:       f.ProjectTitle(),
		})
		return "vector", err
	case 2:
		if len(projects) == 0 {
			return "", models.NewValidationError("no projects to join")
		}
		_, err := service.NewMembershipService(s.deps).RequestJoin(ctx, pick(projects).ID, requester.ID, f.JoinReason())
		return "join", err
	default:
		var pu models.ProjectUser
		err := s.deps.DB.WithContext(ctx).
			Joins("JOIN projects ON projects.id = project_users.project_id").
			Where("projects.name LIKE ? AND project_users.role = ?", models.AllowanceFCA.NamePrefix()+"%", models.ProjectUserRolePI).
			Order("project_users.id").Offset(i / 4).First(&pu).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", models.NewValidationError("no FCA project left to renew")
		}
		if err != nil {
			return "", err
		}
		_, err = service.NewRenewalService(s.deps).Create(ctx, service.CreateRenewalRequest{
			RequesterID:        pu.UserID,
			PIID:               pu.UserID,
			ComputingAllowance: models.AllowanceFCA,
			AllocationPeriodID: year.ID,
			PreProjectID:       &pu.ProjectID,
			PostProjectID:      &pu.ProjectID,
		})
		return "renewal", err
	}
}

// isExpected reports whether err is a rejection a random pick can cause.
func isExpected(err error) bool {
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == models.CodeConflict || appErr.Code == models.CodeValidation
}

func pick[T any](xs []T) T {
	return xs[gofakeit.Number(0, len(xs)-1)]
}

func pickOther(users []*models.User, not *models.User) *models.User {
	for {
		if u := pick(users); u != not {
			return u
		}
	}
}
