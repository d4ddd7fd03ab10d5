package workflow

import "coldfront/internal/models"

// PoolingInput captures what decides a renewal's pooling case. PrePooled and
// PostPooled report whether the project has another PI besides the one being
// renewed.
type PoolingInput struct {
	PreProjectID      *uint
	PostProjectID     uint
	PrePooled         bool
	PostPooled        bool
	NewProjectRequest bool
}

// PoolingPreferenceCase classifies a renewal by how it moves the PI between
// projects.
func PoolingPreferenceCase(in PoolingInput) models.PoolingCase {
	samePost := in.PreProjectID != nil && *in.PreProjectID == in.PostProjectID
	prePooled := in.PreProjectID != nil && in.PrePooled

	if samePost {
		if prePooled {
			return models.PooledToPooledSame
		}
		return models.UnpooledToUnpooled
	}
	if prePooled {
		switch {
		case in.NewProjectRequest:
			return models.PooledToUnpooledNew
		case in.PostPooled:
			return models.PooledToPooledDiff
		}
		return models.PooledToUnpooledOld
	}
	if in.PostPooled && !in.NewProjectRequest {
		return models.UnpooledToPooled
	}
	return models.UnpooledToUnpooled
}
