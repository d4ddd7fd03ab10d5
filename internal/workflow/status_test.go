package workflow

import (
	"testing"
	"time"

	"coldfront/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func approvedSavio() models.SavioRequestState {
	st := models.NewSavioRequestState("fc_test")
	st.Eligibility.Status = models.StepApproved
	st.Readiness.Status = models.StepApproved
	return st
}

func TestSavioStateStatus(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.SavioRequestState)
		kind   models.AllowanceType
		want   models.ProjectRequestStatus
	}{
		{name: "fresh request", mutate: func(st *models.SavioRequestState) { *st = models.NewSavioRequestState("fc_x") }, kind: models.AllowanceFCA, want: models.ProjectRequestUnderReview},
		{name: "eligibility denied", mutate: func(st *models.SavioRequestState) { st.Eligibility.Status = models.StepDenied }, kind: models.AllowanceFCA, want: models.ProjectRequestDenied},
		{name: "readiness denied", mutate: func(st *models.SavioRequestState) { st.Readiness.Status = models.StepDenied }, kind: models.AllowanceFCA, want: models.ProjectRequestDenied},
		{name: "other set", mutate: func(st *models.SavioRequestState) { st.Other.Timestamp = ts("2024-01-01T00:00:00Z") }, kind: models.AllowanceFCA, want: models.ProjectRequestDenied},
		{name: "readiness pending", mutate: func(st *models.SavioRequestState) { st.Readiness.Status = models.StepPending }, kind: models.AllowanceFCA, want: models.ProjectRequestUnderReview},
		{name: "fca approved", mutate: func(*models.SavioRequestState) {}, kind: models.AllowanceFCA, want: models.ProjectRequestApprovedProcessing},
		{name: "ica dates pending", mutate: func(st *models.SavioRequestState) { st.MemorandumSigned.Status = models.StepComplete }, kind: models.AllowanceICA, want: models.ProjectRequestUnderReview},
		{name: "ica memorandum pending", mutate: func(st *models.SavioRequestState) { st.AllocationDates.Status = models.StepComplete }, kind: models.AllowanceICA, want: models.ProjectRequestUnderReview},
		{name: "ica complete", mutate: func(st *models.SavioRequestState) {
			st.AllocationDates.Status = models.StepComplete
			st.MemorandumSigned.Status = models.StepComplete
		}, kind: models.AllowanceICA, want: models.ProjectRequestApprovedProcessing},
		{name: "recharge memorandum pending", mutate: func(*models.SavioRequestState) {}, kind: models.AllowanceRecharge, want: models.ProjectRequestUnderReview},
		{name: "recharge ignores dates", mutate: func(st *models.SavioRequestState) { st.MemorandumSigned.Status = models.StepComplete }, kind: models.AllowanceRecharge, want: models.ProjectRequestApprovedProcessing},
		{name: "co ignores memorandum", mutate: func(*models.SavioRequestState) {}, kind: models.AllowanceCO, want: models.ProjectRequestApprovedProcessing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := approvedSavio()
			tt.mutate(&st)
			assert.Equal(t, tt.want, SavioStateStatus(st, tt.kind))
		})
	}
}

func TestSavioSetupStatusAndChecklist(t *testing.T) {
	st := approvedSavio()
	assert.Equal(t, models.StepPending, SavioSetupStatus(st, models.AllowanceFCA))
	assert.False(t, SavioChecklistComplete(st, models.AllowanceFCA))

	st.Setup.Status = models.StepComplete
	assert.Equal(t, models.StepComplete, SavioSetupStatus(st, models.AllowanceFCA))
	assert.True(t, SavioChecklistComplete(st, models.AllowanceFCA))

	// ICA setup stays pending until dates and memorandum are recorded.
	assert.Equal(t, models.StepPending, SavioSetupStatus(st, models.AllowanceICA))
	assert.False(t, SavioChecklistComplete(st, models.AllowanceICA))

	st.Readiness.Status = models.StepDenied
	assert.Equal(t, models.StepNotApplicable, SavioSetupStatus(st, models.AllowanceFCA))
	assert.False(t, SavioChecklistComplete(st, models.AllowanceFCA))
}

func TestSavioDenialReason_Priority(t *testing.T) {
	st := approvedSavio()
	_, err := SavioDenialReason(st)
	assert.ErrorIs(t, err, ErrNoDenialReason)

	st.Readiness = models.ReviewStep{Status: models.StepDenied, Justification: "not ready", Timestamp: ts("2024-01-02T00:00:00Z")}
	reason, err := SavioDenialReason(st)
	require.NoError(t, err)
	assert.Equal(t, models.DenialCategoryReadiness, reason.Category)
	assert.Equal(t, "not ready", reason.Justification)

	st.Eligibility = models.ReviewStep{Status: models.StepDenied, Justification: "not a PI"}
	reason, err = SavioDenialReason(st)
	require.NoError(t, err)
	assert.Equal(t, models.DenialCategoryPIIneligible, reason.Category)

	st.Other = models.OtherStep{Justification: "duplicate", Timestamp: ts("2024-01-03T00:00:00Z")}
	reason, err = SavioDenialReason(st)
	require.NoError(t, err)
	assert.Equal(t, models.DenialCategoryOther, reason.Category)
	assert.Equal(t, "duplicate", reason.Justification)
}

func TestSavioLatestUpdateTimestamp(t *testing.T) {
	st := models.NewSavioRequestState("fc_x")
	assert.Nil(t, SavioLatestUpdateTimestamp(st))

	st.Eligibility.Timestamp = ts("2024-01-01T00:00:00Z")
	st.Setup.Timestamp = ts("2024-03-01T00:00:00Z")
	st.Readiness.Timestamp = ts("2024-02-01T00:00:00Z")
	assert.Equal(t, *ts("2024-03-01T00:00:00Z"), *SavioLatestUpdateTimestamp(st))
}

func TestVectorDerivations(t *testing.T) {
	st := models.NewVectorRequestState("vector_x")
	assert.Equal(t, models.ProjectRequestUnderReview, VectorStateStatus(st))
	assert.Equal(t, models.StepPending, VectorSetupStatus(st))

	st.Eligibility.Status = models.StepApproved
	assert.Equal(t, models.ProjectRequestApprovedProcessing, VectorStateStatus(st))
	assert.False(t, VectorChecklistComplete(st))
	st.Setup.Status = models.StepComplete
	assert.True(t, VectorChecklistComplete(st))

	st.Eligibility = models.ReviewStep{Status: models.StepDenied, Justification: "student"}
	assert.Equal(t, models.ProjectRequestDenied, VectorStateStatus(st))
	assert.Equal(t, models.StepNotApplicable, VectorSetupStatus(st))
	reason, err := VectorDenialReason(st)
	require.NoError(t, err)
	assert.Equal(t, models.DenialCategoryRequesterIneligible, reason.Category)
}

func TestRenewalStateStatus(t *testing.T) {
	withNew := func(status models.ProjectRequestStatus) *models.SavioProjectAllocationRequest {
		return &models.SavioProjectAllocationRequest{Status: status}
	}
	pending := models.NewRenewalRequestState()
	approved := models.NewRenewalRequestState()
	approved.Eligibility.Status = models.StepApproved
	denied := models.NewRenewalRequestState()
	denied.Eligibility.Status = models.StepDenied
	other := models.NewRenewalRequestState()
	other.Other.Timestamp = ts("2024-01-01T00:00:00Z")

	tests := []struct {
		name  string
		state models.RenewalRequestState
		npr   *models.SavioProjectAllocationRequest
		want  models.RenewalRequestStatus
	}{
		{"pending", pending, nil, models.RenewalUnderReview},
		{"approved", approved, nil, models.RenewalApproved},
		{"denied", denied, nil, models.RenewalDenied},
		{"other wins", other, withNew(models.ProjectRequestUnderReview), models.RenewalDenied},
		{"new under review", approved, withNew(models.ProjectRequestUnderReview), models.RenewalUnderReview},
		{"new processing", pending, withNew(models.ProjectRequestApprovedProcessing), models.RenewalApproved},
		{"new scheduled", pending, withNew(models.ProjectRequestApprovedScheduled), models.RenewalDenied},
		{"new complete", pending, withNew(models.ProjectRequestApprovedComplete), models.RenewalApproved},
		{"new denied", approved, withNew(models.ProjectRequestDenied), models.RenewalDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenewalStateStatus(tt.state, tt.npr))
		})
	}
}

func TestRenewalDenialReason_FallsBackToNewProjectRequest(t *testing.T) {
	npState := approvedSavio()
	npState.Readiness = models.ReviewStep{Status: models.StepDenied, Justification: "no plan"}
	npr := &models.SavioProjectAllocationRequest{
		Status:    models.ProjectRequestDenied,
		State:     datatypes.NewJSONType(npState),
		UpdatedAt: *ts("2024-05-01T00:00:00Z"),
	}

	st := models.NewRenewalRequestState()
	st.Eligibility.Status = models.StepApproved
	reason, err := RenewalDenialReason(st, npr)
	require.NoError(t, err)
	assert.Equal(t, models.DenialCategoryReadiness, reason.Category)

	st.Eligibility = models.ReviewStep{Status: models.StepDenied, Timestamp: ts("2024-04-01T00:00:00Z")}
	reason, err = RenewalDenialReason(st, npr)
	require.NoError(t, err)
	assert.Equal(t, models.DenialCategoryPIIneligible, reason.Category)

	assert.Equal(t, *ts("2024-05-01T00:00:00Z"), *RenewalLatestUpdateTimestamp(st, npr))

	_, err = RenewalDenialReason(models.NewRenewalRequestState(), nil)
	assert.ErrorIs(t, err, ErrNoDenialReason)
}

func TestRenewalDenialReason_IgnoresLiveNewProjectRequest(t *testing.T) {
	npState := approvedSavio()
	npState.Readiness = models.ReviewStep{Status: models.StepDenied, Justification: "stale"}
	st := models.NewRenewalRequestState()
	st.Eligibility.Status = models.StepApproved

	for _, status := range []models.ProjectRequestStatus{
		models.ProjectRequestUnderReview,
		models.ProjectRequestApprovedProcessing,
		models.ProjectRequestApprovedComplete,
	} {
		npr := &models.SavioProjectAllocationRequest{Status: status, State: datatypes.NewJSONType(npState)}
		_, err := RenewalDenialReason(st, npr)
		assert.ErrorIs(t, err, ErrNoDenialReason, string(status))
	}
}

func TestSecureDirDerivations(t *testing.T) {
	st := models.NewSecureDirRequestState()
	assert.Equal(t, models.SecureDirUnderReview, SecureDirStateStatus(st))

	st.RDMConsultation.Status = models.StepApproved
	assert.Equal(t, models.SecureDirUnderReview, SecureDirStateStatus(st))
	st.MOU.Status = models.StepApproved
	assert.Equal(t, models.SecureDirApprovedProcessing, SecureDirStateStatus(st))
	assert.False(t, SecureDirChecklistComplete(st))
	st.Setup.Status = models.StepComplete
	assert.True(t, SecureDirChecklistComplete(st))

	st.MOU = models.ReviewStep{Status: models.StepDenied, Justification: "unsigned"}
	assert.Equal(t, models.SecureDirDenied, SecureDirStateStatus(st))
	assert.Equal(t, models.StepNotApplicable, SecureDirSetupStatus(st))
	reason, err := SecureDirDenialReason(st)
	require.NoError(t, err)
	assert.Equal(t, models.DenialCategoryMOU, reason.Category)
}

func TestAdditionDenialReason(t *testing.T) {
	st := models.NewAllocationAdditionRequestState()
	_, err := AdditionDenialReason(st)
	assert.ErrorIs(t, err, ErrNoDenialReason)

	st.Other = models.OtherStep{Justification: "no chartfield on file", Timestamp: ts("2024-07-01T12:00:00Z")}
	reason, err := AdditionDenialReason(st)
	require.NoError(t, err)
	assert.Equal(t, models.DenialCategoryOther, reason.Category)
	assert.Equal(t, "no chartfield on file", reason.Justification)
}

func TestAccountDeletionDerivations(t *testing.T) {
	st := models.NewAccountDeletionRequestState()
	assert.Equal(t, models.StepPending, AccountDeletionStepStatus(st))

	st.DataDeletion.Status = models.StepCancelled
	assert.Equal(t, models.StepNotApplicable, AccountDeletionStepStatus(st))

	st = models.NewAccountDeletionRequestState()
	st.AccountDeletion.Status = models.StepComplete
	assert.False(t, AccountDeletionChecklistComplete(models.AccountRequestReady, st))
	assert.True(t, AccountDeletionChecklistComplete(models.AccountRequestProcessing, st))
}
