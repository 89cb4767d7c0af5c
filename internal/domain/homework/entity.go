// Package homework contains the domain model for in-class homework items
// discovered by the homework poller.
package homework

// Type is the closed set of homework kinds the platform publishes.
type Type string

const (
	TypeStudyMaterial Type = "studyMaterial"
	TypeQuiz          Type = "quiz"
	TypeRollCall      Type = "rollCall"
	TypeSimpleQA      Type = "simpleQA"
	TypeExercise      Type = "exercise"
	TypeSurvey        Type = "survey"
	TypePasteboard    Type = "pasteboard"
)

// IsValid checks that the type is one of the seven known kinds.
func (t Type) IsValid() bool {
	switch t {
	case TypeStudyMaterial, TypeQuiz, TypeRollCall, TypeSimpleQA,
		TypeExercise, TypeSurvey, TypePasteboard:
		return true
	}
	return false
}

// TimeSlot places a homework item relative to the lesson it belongs to.
type TimeSlot string

const (
	SlotPreClass   TimeSlot = "preClass"
	SlotInClass    TimeSlot = "inClass"
	SlotAfterClass TimeSlot = "afterClass"
)

// Homework is one published homework item. HomeworkID is the deduplication
// key used by the homework poller's known-ID set.
type Homework struct {
	HomeworkID      string   `json:"homeworkId"`
	CourseElementID string   `json:"courseElementId"`
	Type            Type     `json:"type"`
	Description     string   `json:"description"`
	Submitted       bool     `json:"submitted"`
	TimeSlot        TimeSlot `json:"timeSlot"`
}
