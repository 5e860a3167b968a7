package tutor

import "encoding/json"

// ResponseTypeQuizIntent marks a chat reply asking the caller to run a quiz
const ResponseTypeQuizIntent = "quiz_intent"

// ChatRequest is the body of POST /api/chat/send
type ChatRequest struct {
	CourseID  string  `json:"course_id"`
	Message   string  `json:"message"`
	SessionID *string `json:"session_id"`
	StudentID string  `json:"student_id,omitempty"`
}

// ChatResponse covers both the normal reply and the quiz_intent variant
type ChatResponse struct {
	Type            string          `json:"type,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	Message         string          `json:"message,omitempty"`
	Timestamp       string          `json:"timestamp,omitempty"`
	KeyTopics       []string        `json:"key_topics,omitempty"`
	ConceptGraph    json.RawMessage `json:"concept_graph,omitempty"`
	MarkdownContent string          `json:"markdown_content,omitempty"`
	Sources         []string        `json:"sources,omitempty"`
	StudentMajor    string          `json:"student_major,omitempty"`

	// quiz_intent fields
	Topic      string  `json:"topic,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// IsQuizIntent reports whether the reply is a quiz request signal
func (r *ChatResponse) IsQuizIntent() bool {
	return r.Type == ResponseTypeQuizIntent
}

// Text returns the reply content, preferring markdown
func (r *ChatResponse) Text() string {
	if r.MarkdownContent != "" {
		return r.MarkdownContent
	}
	return r.Message
}

// QuizRequest is the body of POST /api/quiz/generate
type QuizRequest struct {
	CourseID     string  `json:"course_id"`
	Topic        *string `json:"topic"`
	NumQuestions int     `json:"num_questions"`
}

// QuizQuestion is one multiple-choice question
type QuizQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
	Topic         string   `json:"topic"`
}

// Quiz is the response of POST /api/quiz/generate
type Quiz struct {
	QuizID      string         `json:"quiz_id"`
	Questions   []QuizQuestion `json:"questions"`
	CourseTitle string         `json:"course_title"`
}

// QuizAnswer records one answered question
type QuizAnswer struct {
	QuestionIndex  int    `json:"question_index"`
	Question       string `json:"question"`
	SelectedAnswer int    `json:"selected_answer"`
	CorrectAnswer  int    `json:"correct_answer"`
	IsCorrect      bool   `json:"is_correct"`
	Topic          string `json:"topic"`
}

// QuizSubmission is the body of POST /api/quiz/submit
type QuizSubmission struct {
	QuizID         string       `json:"quiz_id"`
	CourseID       string       `json:"course_id"`
	Score          int          `json:"score"`
	TotalQuestions int          `json:"total_questions"`
	Topic          *string      `json:"topic,omitempty"`
	Answers        []QuizAnswer `json:"answers"`
}

// Grade fills Score, TotalQuestions and each answer's correctness from quiz.
// Only the first answer to a question counts; later ones are marked incorrect.
func (s *QuizSubmission) Grade(quiz *Quiz) {
	s.TotalQuestions = len(quiz.Questions)
	s.Score = 0
	graded := make(map[int]bool, len(s.Answers))
	for i := range s.Answers {
		a := &s.Answers[i]
		if a.QuestionIndex < 0 || a.QuestionIndex >= len(quiz.Questions) || graded[a.QuestionIndex] {
			a.IsCorrect = false
			continue
		}
		graded[a.QuestionIndex] = true
		q := quiz.Questions[a.QuestionIndex]
		a.Question = q.Question
		a.CorrectAnswer = q.CorrectAnswer
		a.Topic = q.Topic
		a.IsCorrect = a.SelectedAnswer == q.CorrectAnswer
		if a.IsCorrect {
			s.Score++
		}
	}
}

// SubmitResult is the response of POST /api/quiz/submit
type SubmitResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Reply is what a conversation turn produces for the voice controller
type Reply struct {
	Text      string
	KeyTopics []string
	Sources   []string
	SessionID string
	Quiz      *Quiz
	// Fallback is set when Text is a canned apology
	Fallback bool
}
