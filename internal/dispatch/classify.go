package dispatch

import (
	"slices"
	"strings"

	"salvo/internal/domain"
	"salvo/internal/session"
)

// Classifier maps a raw response to an Outcome. It must be a pure function of
// its inputs. A non-nil error carries extra meaning for the caller, such as
// session.ErrExpired.
type Classifier interface {
	Classify(status int, body []byte) (domain.Outcome, error)
}

type ClassifierFunc func(status int, body []byte) (domain.Outcome, error)

func (f ClassifierFunc) Classify(status int, body []byte) (domain.Outcome, error) {
	return f(status, body)
}

// Rules is the configurable default classifier. Markers are matched
// case-insensitively against the response body.
type Rules struct {
	SuccessStatus  []int    `yaml:"success_status"`
	SuccessMarkers []string `yaml:"success_markers"`
	RejectMarkers  []string `yaml:"reject_markers"`
	OverloadStatus []int    `yaml:"overload_status"`
	ExpiredStatus  []int    `yaml:"expired_status"`
	ExpiredMarkers []string `yaml:"expired_markers"`
}

func DefaultRules() Rules {
	return Rules{
		SuccessStatus:  []int{200},
		OverloadStatus: []int{429, 502, 503, 504},
		ExpiredStatus:  []int{401, 440},
	}
}

// Classify applies, in order: session expiry, overload, success status with
// optional body markers, other 4xx as rejection. Everything else is Unknown.
func (r Rules) Classify(status int, body []byte) (domain.Outcome, error) {
	text := strings.ToLower(string(body))
	if slices.Contains(r.ExpiredStatus, status) || containsAny(text, r.ExpiredMarkers) {
		return domain.OutcomeRejected, session.ErrExpired
	}
	if slices.Contains(r.OverloadStatus, status) {
		return domain.OutcomeOverloaded, nil
	}
	if slices.Contains(r.SuccessStatus, status) {
		if containsAny(text, r.RejectMarkers) {
			return domain.OutcomeRejected, nil
		}
		if len(r.SuccessMarkers) == 0 || containsAny(text, r.SuccessMarkers) {
			return domain.OutcomeSuccess, nil
		}
		return domain.OutcomeUnknown, nil
	}
	if status >= 400 && status < 500 {
		return domain.OutcomeRejected, nil
	}
	return domain.OutcomeUnknown, nil
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(text, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
