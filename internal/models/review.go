package models

import (
	"sort"
	"strings"
	"time"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/apperror"
)

const (
	MinRating = 1
	MaxRating = 5
)

type Recommendation string

const (
	RecommendationAccept Recommendation = "accept"
	RecommendationReject Recommendation = "reject"
	RecommendationRevise Recommendation = "revise"
)

func IsValidRecommendation(r string) bool {
	switch Recommendation(r) {
	case RecommendationAccept, RecommendationReject, RecommendationRevise:
		return true
	default:
		return false
	}
}

type Review struct {
	ID             string         `json:"id"`
	ManuscriptID   string         `json:"manuscript_id"`
	ReviewerID     string         `json:"reviewer_id"`
	Ratings        map[string]int `json:"ratings"`
	Recommendation Recommendation `json:"recommendation"`
	Comments       string         `json:"comments"`
	SubmittedAt    time.Time      `json:"submitted_at"`
}

func (r Review) Clone() Review {
	cp := r
	cp.Ratings = make(map[string]int, len(r.Ratings))
	for k, v := range r.Ratings {
		cp.Ratings[k] = v
	}
	return cp
}

// ReviewSubmission is the raw review request. Pointers distinguish a missing
// field from a zero value.
type ReviewSubmission struct {
	Ratings        map[string]int `json:"ratings"`
	Recommendation *string        `json:"recommendation"`
	Comments       *string        `json:"comments"`
}

// Validate checks every field and reports all problems at once: missing
// fields under "missing", malformed ones under "invalid".
func (s ReviewSubmission) Validate() error {
	var missing, invalid []string

	if len(s.Ratings) == 0 {
		missing = append(missing, "ratings")
	} else {
		names := make([]string, 0, len(s.Ratings))
		for name := range s.Ratings {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v := s.Ratings[name]
			if strings.TrimSpace(name) == "" || v < MinRating || v > MaxRating {
				invalid = append(invalid, "ratings."+name)
			}
		}
	}

	if s.Recommendation == nil || strings.TrimSpace(*s.Recommendation) == "" {
		missing = append(missing, "recommendation")
	} else if !IsValidRecommendation(*s.Recommendation) {
		invalid = append(invalid, "recommendation")
	}

	if s.Comments == nil || strings.TrimSpace(*s.Comments) == "" {
		missing = append(missing, "comments")
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}

	code := apperror.CodeMissingFields
	msg := "review is missing required fields: " + strings.Join(missing, ", ")
	if len(missing) == 0 {
		code = apperror.CodeNone
		msg = "review has invalid fields: " + strings.Join(invalid, ", ")
	} else if len(invalid) > 0 {
		msg += "; invalid fields: " + strings.Join(invalid, ", ")
	}

	err := apperror.Validation(code, msg)
	if len(missing) > 0 {
		err = err.With("missing", missing)
	}
	if len(invalid) > 0 {
		err = err.With("invalid", invalid)
	}
	return err
}
