package templates

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	ok := vehicleInspection(t1, 1)
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	dup := vehicleInspection(t1, 1)
	dup.Sections[1].Questions = append(dup.Sections[1].Questions, Question{ID: "q1", Type: "text"})

	noID := vehicleInspection(t1, 1)
	noID.ID = ""

	noStamp := vehicleInspection(t1, 1)
	noStamp.UpdatedAt = time.Time{}

	blankQuestion := vehicleInspection(t1, 1)
	blankQuestion.Sections[0].Questions[0].ID = " "

	for name, tpl := range map[string]Template{
		"duplicate":      dup,
		"no id":          noID,
		"no timestamp":   noStamp,
		"blank question": blankQuestion,
	} {
		if err := tpl.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestQuestionsAndIndex(t *testing.T) {
	tpl := vehicleInspection(t1, 1)
	qs := tpl.Questions()
	if len(qs) != 3 || qs[0].ID != "q1" || qs[2].ID != "q3" {
		t.Fatalf("questions = %+v", qs)
	}
	idx := tpl.QuestionIndex()
	if idx["q3"].Type != "photo" {
		t.Fatalf("index = %+v", idx)
	}
}
