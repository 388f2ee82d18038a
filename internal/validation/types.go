package validation

// StartSessionRequest is the payload for POST /sessions/start
type StartSessionRequest struct {
	Activity        string `json:"activity" validate:"required,min=2,max=80"`          // what the buddies meet for
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=5,max=240"` // session window in minutes
	Location        string `json:"location,omitempty" validate:"omitempty,max=120"`    // required for in-person activities
}
