package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/brillia/voice-tutor/internal/config"
	"github.com/brillia/voice-tutor/internal/observability"
	"github.com/brillia/voice-tutor/internal/tutor"
)

var (
	version = "0.1.0"

	timeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tutorctl",
		Short: "Talk to the tutoring backend from the command line",
		Long: `tutorctl exercises the tutoring REST API the voice gateway uses:
sending chat messages, generating quizzes and submitting quiz attempts.

Configuration is read from the same environment as the gateway
(TUTOR_API_URL, TUTOR_API_TOKEN, ...), including a local .env file.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			observability.InitLogger(level, true)
		},
	}
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(quizCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat commands",
	}

	send := &cobra.Command{
		Use:   "send [course-id] [message]",
		Short: "Send one chat message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			sessionID, _ := cmd.Flags().GetString("session")
			studentID, _ := cmd.Flags().GetString("student")

			req := tutor.ChatRequest{
				CourseID:  args[0],
				Message:   strings.Join(args[1:], " "),
				StudentID: studentID,
			}
			if sessionID != "" {
				req.SessionID = &sessionID
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.SendChat(ctx, req)
			if err != nil {
				return fmt.Errorf("chat failed: %w", err)
			}
			return printJSON(resp)
		},
	}
	send.Flags().String("session", "", "Existing session id to continue")
	send.Flags().String("student", "", "Student id")

	cmd.AddCommand(send)
	return cmd
}

func quizCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quiz",
		Short: "Quiz commands",
	}

	generate := &cobra.Command{
		Use:   "generate [course-id]",
		Short: "Generate a quiz for a course",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			topic, _ := cmd.Flags().GetString("topic")
			num, _ := cmd.Flags().GetInt("num")

			req := tutor.QuizRequest{CourseID: args[0], NumQuestions: num}
			if topic != "" {
				req.Topic = &topic
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			quiz, err := client.GenerateQuiz(ctx, req)
			if err != nil {
				return fmt.Errorf("quiz generation failed: %w", err)
			}
			return printJSON(quiz)
		},
	}
	generate.Flags().String("topic", "", "Restrict the quiz to a topic")
	generate.Flags().Int("num", 5, "Number of questions")

	submit := &cobra.Command{
		Use:   "submit [submission.json]",
		Short: "Submit a quiz attempt",
		Long: `Submit a quiz attempt read from a JSON file ("-" for stdin).
The file holds a quiz_submit body: quiz_id, course_id, score,
total_questions and answers. With --quiz-file the answers are
graded against that quiz first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			var sub tutor.QuizSubmission
			if err := readJSON(args[0], &sub); err != nil {
				return err
			}
			if sub.QuizID == "" || sub.CourseID == "" {
				return fmt.Errorf("submission needs quiz_id and course_id")
			}

			quizFile, _ := cmd.Flags().GetString("quiz-file")
			if quizFile != "" {
				var quiz tutor.Quiz
				if err := readJSON(quizFile, &quiz); err != nil {
					return err
				}
				sub.Grade(&quiz)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			result, err := client.SubmitQuiz(ctx, sub)
			if err != nil {
				return fmt.Errorf("quiz submit failed: %w", err)
			}
			return printJSON(result)
		},
	}
	submit.Flags().String("quiz-file", "", "Quiz JSON (from quiz generate) to grade answers against")

	cmd.AddCommand(generate)
	cmd.AddCommand(submit)
	return cmd
}

func newClient() (*tutor.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return tutor.NewClient(cfg), nil
}

func readJSON(path string, out interface{}) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
