package tutor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/brillia/voice-tutor/internal/observability"
)

// Canned replies spoken when the backend cannot answer
const (
	FallbackReply   = "Sorry, I encountered an error processing your question. Please try again."
	EmptyReply      = "I apologize, but I could not generate a response."
	QuizFailedReply = "Sorry, I couldn't generate a quiz right now. Please try again."
)

// API is the subset of the tutoring backend a conversation needs
type API interface {
	SendChat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	GenerateQuiz(ctx context.Context, req QuizRequest) (*Quiz, error)
	SubmitQuiz(ctx context.Context, sub QuizSubmission) (*SubmitResult, error)
}

// SessionOptions scope a conversation to one client and course
type SessionOptions struct {
	ClientID      string
	CourseID      string
	StudentID     string
	QuizQuestions int
}

// Session forwards utterances to the chat API and carries the backend
// session identifier between turns.
type Session struct {
	api           API
	store         SessionStore
	key           string
	courseID      string
	studentID     string
	quizQuestions int
	logger        zerolog.Logger

	mu       sync.Mutex
	lastQuiz *Quiz
}

// NewSession creates a conversation bound to opts
func NewSession(api API, store SessionStore, opts SessionOptions) *Session {
	if opts.QuizQuestions <= 0 {
		opts.QuizQuestions = 5
	}
	return &Session{
		api:           api,
		store:         store,
		key:           SessionKey(opts.ClientID, opts.CourseID),
		courseID:      opts.CourseID,
		studentID:     opts.StudentID,
		quizQuestions: opts.QuizQuestions,
		logger: observability.Component("conversation").With().
			Str("course_id", opts.CourseID).
			Str("client_id", opts.ClientID).
			Logger(),
	}
}

// CourseID returns the course this conversation belongs to
func (s *Session) CourseID() string {
	return s.courseID
}

// SessionID returns the stored backend session identifier, if any
func (s *Session) SessionID(ctx context.Context) string {
	id, err := s.store.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read session id")
		return ""
	}
	return id
}

// Send posts utterance to the chat API. The returned Reply always carries
// speakable text; on failure it is a fallback apology and err is non-nil.
func (s *Session) Send(ctx context.Context, utterance string) (Reply, error) {
	req := ChatRequest{
		CourseID:  s.courseID,
		Message:   utterance,
		StudentID: s.studentID,
	}
	if id := s.SessionID(ctx); id != "" {
		req.SessionID = &id
	}

	resp, err := s.api.SendChat(ctx, req)
	if err != nil {
		s.logger.Error().Err(err).Msg("Chat request failed")
		return Reply{Text: FallbackReply, Fallback: true}, err
	}

	if resp.IsQuizIntent() {
		return s.startQuiz(ctx, resp.Topic)
	}

	if resp.SessionID != "" {
		if err := s.store.Set(ctx, s.key, resp.SessionID); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to store session id")
		}
	}

	text := resp.Text()
	if text == "" {
		text = EmptyReply
	}
	return Reply{
		Text:      text,
		KeyTopics: resp.KeyTopics,
		Sources:   resp.Sources,
		SessionID: resp.SessionID,
	}, nil
}

func (s *Session) startQuiz(ctx context.Context, topic string) (Reply, error) {
	req := QuizRequest{CourseID: s.courseID, NumQuestions: s.quizQuestions}
	if topic != "" {
		req.Topic = &topic
	}

	s.logger.Info().Str("topic", topic).Msg("Quiz intent detected")
	quiz, err := s.api.GenerateQuiz(ctx, req)
	if err != nil {
		s.logger.Error().Err(err).Msg("Quiz generation failed")
		return Reply{Text: QuizFailedReply, Fallback: true}, err
	}

	s.mu.Lock()
	s.lastQuiz = quiz
	s.mu.Unlock()

	return Reply{
		Text: fmt.Sprintf("%s Your %d-question quiz is ready.", quizAnnouncement(topic), len(quiz.Questions)),
		Quiz: quiz,
	}, nil
}

func quizAnnouncement(topic string) string {
	if topic == "" {
		return "I understand you want to take a quiz! Let me generate questions based on the course materials."
	}
	return fmt.Sprintf("I understand you want to take a quiz on %s! Let me generate questions based on the course materials.", topic)
}

// SubmitQuiz grades sub against the last generated quiz when ids match and
// records the attempt.
func (s *Session) SubmitQuiz(ctx context.Context, sub QuizSubmission) (*SubmitResult, error) {
	sub.CourseID = s.courseID

	s.mu.Lock()
	quiz := s.lastQuiz
	s.mu.Unlock()

	if quiz != nil && quiz.QuizID == sub.QuizID {
		sub.Grade(quiz)
	}

	result, err := s.api.SubmitQuiz(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to submit quiz %s: %w", sub.QuizID, err)
	}
	s.logger.Info().
		Str("quiz_id", sub.QuizID).
		Int("score", sub.Score).
		Int("total", sub.TotalQuestions).
		Msg("Quiz submitted")
	return result, nil
}
