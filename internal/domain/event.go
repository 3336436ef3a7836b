package domain

// Event names double as viewer event kinds on the live stream.
const (
	EventNameSessionStarted = "session_started"
	EventNameSessionStopped = "session_stopped"
	EventNameQuestionOpened = "question_opened"
	EventNameQuestionClosed = "question_closed"
	EventNameTallyUpdated   = "response_tally_updated"
	EventNameRevealChanged  = "reveal_changed"
	EventNameNewQuestion    = "new_question"

	// EventNameSnapshot is synthetic: emitted by the broadcast hub to a
	// newly connected viewer, never published on the bus.
	EventNameSnapshot = "state_snapshot"
)

type EventSessionStarted struct {
	Session Session
}

func (EventSessionStarted) Name() string { return EventNameSessionStarted }

type EventSessionStopped struct {
	Course    string
	SessionID string
	ArchiveID string
}

func (EventSessionStopped) Name() string { return EventNameSessionStopped }

type EventQuestionOpened struct {
	Course   string
	Question Question
}

func (EventQuestionOpened) Name() string { return EventNameQuestionOpened }

type EventQuestionClosed struct {
	Course     string
	QuestionID string
}

func (EventQuestionClosed) Name() string { return EventNameQuestionClosed }

type EventTallyUpdated struct {
	Course     string
	QuestionID string
	Counts     map[string]int
}

func (EventTallyUpdated) Name() string { return EventNameTallyUpdated }

type EventRevealChanged struct {
	Course       string
	QuestionID   string
	Reveal       bool
	Distribution *Distribution
}

func (EventRevealChanged) Name() string { return EventNameRevealChanged }

type EventNewQuestion struct {
	Course   string
	Question AskQuestion
}

func (EventNewQuestion) Name() string { return EventNameNewQuestion }
