package checkpoint_test

import (
	"errors"
	"testing"

	"bidline/internal/checkpoint"
	"bidline/internal/domain"
)

func cited(text string) domain.ContentUnit {
	return domain.ContentUnit{
		Text:      text,
		Citations: []domain.Citation{{SourceID: "src-1", Locator: "p2"}},
	}
}

func TestValidateAcceptsCitedAndGapUnits(t *testing.T) {
	res := domain.StageResult{
		Stage: "outline",
		Units: []domain.ContentUnit{
			cited("covered statement"),
			{Text: "unknown area", Gap: true, GapReason: "no reference material for this service"},
		},
	}
	if err := checkpoint.Validate(res); err != nil {
		t.Fatalf("valid result rejected: %v", err)
	}
}

func TestValidateRejectsEmptyResult(t *testing.T) {
	err := checkpoint.Validate(domain.StageResult{Stage: "outline"})
	var ioe checkpoint.InvalidOutputError
	if !errors.As(err, &ioe) {
		t.Fatalf("expected InvalidOutputError, got %v", err)
	}
	if ioe.Stage != "outline" {
		t.Fatalf("error stage = %q", ioe.Stage)
	}
}

func TestValidateRejectsUncitedUnit(t *testing.T) {
	res := domain.StageResult{
		Stage: "draft_sections",
		Units: []domain.ContentUnit{cited("fine"), {Text: "made up"}},
	}
	var ioe checkpoint.InvalidOutputError
	if err := checkpoint.Validate(res); !errors.As(err, &ioe) {
		t.Fatalf("uncited unit accepted: %v", err)
	}
}

func TestValidateRejectsGapWithoutReason(t *testing.T) {
	res := domain.StageResult{
		Stage: "gap_analysis",
		Units: []domain.ContentUnit{{Text: "hole", Gap: true}},
	}
	var ioe checkpoint.InvalidOutputError
	if err := checkpoint.Validate(res); !errors.As(err, &ioe) {
		t.Fatalf("unexplained gap accepted: %v", err)
	}
}

func TestValidateRejectsEmptySourceID(t *testing.T) {
	res := domain.StageResult{
		Stage: "outline",
		Units: []domain.ContentUnit{{
			Text:      "cited nothing",
			Citations: []domain.Citation{{SourceID: ""}},
		}},
	}
	var ioe checkpoint.InvalidOutputError
	if err := checkpoint.Validate(res); !errors.As(err, &ioe) {
		t.Fatalf("empty source id accepted: %v", err)
	}
}
