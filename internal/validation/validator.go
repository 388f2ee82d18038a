package validation

import (
	"fmt"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// register struct-level validation for StartSessionRequest to ensure
	// in-person activities carry a meeting location.
	v.RegisterStructValidation(startSessionStructValidation, StartSessionRequest{})

	return v
}

// startSessionStructValidation rejects in-person session requests without a location.
func startSessionStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(StartSessionRequest)

	if req.Location == "" && !isVirtualActivity(req.Activity) {
		sl.ReportError(req.Location, "location", "Location", "location_required_in_person", fmt.Sprintf("activity %q meets in person", req.Activity))
	}
}

// isVirtualActivity reports whether the activity happens online. Virtual
// activities are named with a "Virtual" prefix, e.g. "Virtual Study".
func isVirtualActivity(activity string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(activity)), "virtual")
}
