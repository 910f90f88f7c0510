package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/compozy/deepresearch/engine/budget"
	"github.com/compozy/deepresearch/engine/orchestrator"
	"github.com/compozy/deepresearch/pkg/config"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"
)

// RunCmd conducts a research session for the query given as arguments.
func RunCmd() *cobra.Command {
	return newRunCmd(registerWorkers)
}

func newRunCmd(register workerFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Conduct a research session",
		Long: `Plan, search, evaluate and synthesize a report for the query.
Budget flags override the configured session budget. Clarification
questions can be answered up front with --answer id=value.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(cmd, strings.Join(args, " "), register)
		},
	}
	cmd.Flags().Int64("tokens", 0, "Token budget (defaults to budget.tokens)")
	cmd.Flags().Int64("calls", 0, "Call budget (defaults to budget.calls)")
	cmd.Flags().String("time", "", "Time budget such as 90s, 10m or 1h (defaults to budget.time)")
	cmd.Flags().Int("depth", -1, "Trail nesting depth (defaults to budget.depth)")
	addSessionFlags(cmd)
	return cmd
}

// ResumeCmd continues a session from its last snapshot.
func ResumeCmd() *cobra.Command {
	return newResumeCmd(registerWorkers)
}

func newResumeCmd(register workerFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a persisted research session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeResume(cmd, args[0], register)
		},
	}
	addSessionFlags(cmd)
	return cmd
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringToString("answer", nil, "Answer a clarification question by id (id=value)")
	cmd.Flags().Bool("interactive", true, "Prompt for clarification answers")
	cmd.Flags().Bool("progress", true, "Print progress to stderr")
}

func executeRun(cmd *cobra.Command, query string, register workerFactory) error {
	cfg := config.FromContext(cmd.Context())
	limits, err := budgetLimits(cmd, cfg)
	if err != nil {
		return err
	}
	return withSession(cmd, cfg, register, func(ctx context.Context, rt *runtime) (*orchestrator.Session, error) {
		return rt.orchestrator.ConductResearch(ctx, query, limits)
	})
}

func executeResume(cmd *cobra.Command, sessionID string, register workerFactory) error {
	cfg := config.FromContext(cmd.Context())
	return withSession(cmd, cfg, register, func(ctx context.Context, rt *runtime) (*orchestrator.Session, error) {
		return rt.orchestrator.ResumeSession(ctx, sessionID)
	})
}

type sessionStarter func(ctx context.Context, rt *runtime) (*orchestrator.Session, error)

func withSession(cmd *cobra.Command, cfg *config.Config, register workerFactory, start sessionStarter) error {
	ctx := cmd.Context()
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	ans, err := sessionAnswerer(cmd)
	if err != nil {
		return err
	}
	progress, err := cmd.Flags().GetBool("progress")
	if err != nil {
		return fmt.Errorf("failed to get progress flag: %w", err)
	}
	rt, err := newRuntime(ctx, cfg, register)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.FromContext(ctx).Warn("Failed to close runtime", "error", err)
		}
	}()
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	session, err := start(ctx, rt)
	if err != nil {
		return err
	}
	var errOut io.Writer
	if progress {
		errOut = cmd.ErrOrStderr()
	}
	var pub eventPublisher
	if rt.storage.events != nil {
		pub = rt.storage.events
	}
	res, err := driveSession(sigCtx, session, ans, p, errOut, pub)
	if err != nil {
		return err
	}
	if err := p.print(res, func(w io.Writer) error { return writeResult(p, w, res) }); err != nil {
		return err
	}
	if res.Status == orchestrator.StatusFailed {
		return fmt.Errorf("research session %s failed: %s", res.SessionID, res.Error)
	}
	return nil
}

// eventPublisher forwards progress to watchers in other processes.
type eventPublisher interface {
	Publish(ctx context.Context, ev orchestrator.ProgressEvent) error
}

// driveSession consumes progress, answers questions and waits for the
// result. Canceling ctx halts the session instead of abandoning it.
func driveSession(
	ctx context.Context,
	s *orchestrator.Session,
	ans answerer,
	p *printer,
	progress io.Writer,
	pub eventPublisher,
) (orchestrator.ResearchResult, error) {
	log := logger.FromContext(ctx)
	bg := context.WithoutCancel(ctx)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("Interrupted, halting session", "session_id", s.ID())
			if err := s.Decide(bg, orchestrator.UserDecision{HaltSession: true}); err != nil &&
				!errors.Is(err, orchestrator.ErrSessionClosed) {
				log.Warn("Failed to halt session", "error", err)
			}
		case <-s.Done():
		}
	}()
	for ev := range s.Events() {
		if progress != nil {
			writeProgress(p, progress, ev)
		}
		if pub != nil {
			if err := pub.Publish(bg, ev); err != nil {
				log.Warn("Failed to publish progress", "session_id", ev.SessionID, "error", err)
			}
		}
		if len(ev.Questions) == 0 || ans == nil || ctx.Err() != nil {
			continue
		}
		answers, err := ans.Answer(ctx, ev.Questions)
		if err != nil {
			log.Warn("Failed to collect answers", "error", err)
		}
		if len(answers) == 0 {
			continue
		}
		err = s.Decide(bg, orchestrator.UserDecision{Answers: answers})
		if err != nil && !errors.Is(err, orchestrator.ErrSessionClosed) {
			log.Warn("Answers not delivered", "error", err)
		}
	}
	return s.Wait(bg)
}

func sessionAnswerer(cmd *cobra.Command) (answerer, error) {
	preset, err := cmd.Flags().GetStringToString("answer")
	if err != nil {
		return nil, fmt.Errorf("failed to get answer flag: %w", err)
	}
	interactive, err := cmd.Flags().GetBool("interactive")
	if err != nil {
		return nil, fmt.Errorf("failed to get interactive flag: %w", err)
	}
	chain := chainAnswers{presetAnswers(preset)}
	if !interactive {
		return chain, nil
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return append(chain, formAnswerer{}), nil
	}
	return append(chain, newLineAnswerer(cmd.InOrStdin(), cmd.ErrOrStderr())), nil
}

// budgetLimits starts from the configured budget and applies the flags
// the user set.
func budgetLimits(cmd *cobra.Command, cfg *config.Config) (budget.Limits, error) {
	limits := cfg.Budget.Limits()
	flags := cmd.Flags()
	if flags.Changed("tokens") {
		v, err := flags.GetInt64("tokens")
		if err != nil {
			return limits, fmt.Errorf("failed to get tokens flag: %w", err)
		}
		limits.Tokens = v
	}
	if flags.Changed("calls") {
		v, err := flags.GetInt64("calls")
		if err != nil {
			return limits, fmt.Errorf("failed to get calls flag: %w", err)
		}
		limits.Calls = v
	}
	if flags.Changed("time") {
		v, err := flags.GetString("time")
		if err != nil {
			return limits, fmt.Errorf("failed to get time flag: %w", err)
		}
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return limits, fmt.Errorf("invalid time budget %q: %w", v, err)
		}
		limits.Time = d
	}
	if flags.Changed("depth") {
		v, err := flags.GetInt("depth")
		if err != nil {
			return limits, fmt.Errorf("failed to get depth flag: %w", err)
		}
		limits.Depth = v
	}
	return limits, nil
}
