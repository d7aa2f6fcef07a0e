package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/c360studio/garage/llm"
	"github.com/c360studio/garage/notify"
	"github.com/c360studio/garage/tui"
	"github.com/c360studio/garage/workflow"
)

// maxImageSize caps the image attached to a compare prompt.
const maxImageSize = 20 * 1024 * 1024

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func compareCmd(opts *globalOptions) *cobra.Command {
	var (
		providers []string
		imagePath string
	)

	cmd := &cobra.Command{
		Use:   "compare <prompt>",
		Short: "Send one prompt to several providers at once",
		Long: `Compare sends the same prompt to every listed provider concurrently and
prints each answer as it arrives. A failing provider does not affect the
others. Without --providers, every connected provider is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			app, err := opts.startApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Shutdown(shutdownTimeout)

			if len(providers) == 0 {
				for _, conn := range app.credentials.List() {
					if _, ok := app.credentials.Get(conn.Provider); ok {
						providers = append(providers, conn.Provider)
					}
				}
			}
			if len(providers) == 0 {
				return errors.New("no connected providers; run 'garage connect <provider> --key ...' first")
			}

			req := llm.CompareRequest{Providers: providers, Prompt: args[0]}
			if imagePath != "" {
				img, err := loadImage(imagePath)
				if err != nil {
					return err
				}
				req.Image = img
			}

			out := cmd.OutOrStdout()
			var failed int
			app.Compare(ctx, req, func(cell llm.Cell) {
				if cell.Err != nil {
					failed++
				}
				printCell(out, cell)
			})
			if failed == len(providers) {
				return fmt.Errorf("all %d providers failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&providers, "providers", "p", nil, "Providers to compare (default: all connected)")
	cmd.Flags().StringVar(&imagePath, "image", "", "Attach an image (only providers with image support use it)")
	return cmd
}

func loadImage(path string) (*llm.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if info.Size() > maxImageSize {
		return nil, fmt.Errorf("image %s exceeds %d bytes", path, maxImageSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("%s is not an image (%s)", path, mimeType)
	}
	return &llm.Image{MIMEType: mimeType, Data: data}, nil
}

func printCell(w io.Writer, cell llm.Cell) {
	if cell.Err != nil {
		fmt.Fprintf(w, "=== %s (failed after %s)\n%v\n\n", cell.Provider, cell.Duration.Round(time.Millisecond), cell.Err)
		return
	}
	fmt.Fprintf(w, "=== %s · %s · %d tokens · %s\n%s\n\n",
		cell.Provider, cell.Response.Model, cell.Response.TokensUsed,
		cell.Duration.Round(time.Millisecond), cell.Response.Content)
}

func workflowCmd(opts *globalOptions) *cobra.Command {
	var (
		templateID  string
		assign      map[string]string
		prompt      string
		refinements []string
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run a sequential multi-provider workflow",
		Long: `Workflow runs a template of roles in order. Each role is assigned a
provider; every stage receives the previous stage's output. The first
stage waits for approval: accept it, or add requirements and run it again.

Without --prompt an interactive terminal UI is started. With --prompt the
run happens in the terminal, asking for approval on stdin unless
--auto-approve is set.

Example:
  garage workflow --template build --assign A=openai,B=anthropic,C=google`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			interactive := prompt == ""
			logOut := cmd.ErrOrStderr()
			if interactive {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				logFile, err := openLogFile(cfg.Storage.DataDir())
				if err != nil {
					return err
				}
				defer logFile.Close()
				logOut = logFile
			}

			app, err := opts.startApp(ctx, logOut)
			if err != nil {
				return err
			}
			defer app.Shutdown(shutdownTimeout)

			if templateID == "" {
				templateID = app.cfg.Workflow.DefaultTemplate
			}

			if interactive {
				return runTUI(ctx, app, templateID, assign)
			}

			seq, err := app.NewSequencer(templateID, nil)
			if err != nil {
				return err
			}
			if err := applyAssignment(seq, assign); err != nil {
				return err
			}
			return runWorkflow(ctx, seq, workflowInput{
				prompt:      prompt,
				refinements: refinements,
				autoApprove: autoApprove,
				in:          cmd.InOrStdin(),
				out:         cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().StringVarP(&templateID, "template", "t", "", "Template id (default from config)")
	cmd.Flags().StringToStringVarP(&assign, "assign", "a", nil, "Role assignments, e.g. A=openai,B=anthropic")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Initial request (omit for the interactive UI)")
	cmd.Flags().StringArrayVar(&refinements, "refine", nil, "Additional requirements applied to the first stage before approval (repeatable)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Approve the first stage without asking")
	return cmd
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, appName+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func applyAssignment(seq *workflow.Sequencer, assign map[string]string) error {
	for role, provider := range assign {
		if err := seq.Assign(workflow.RoleID(strings.ToUpper(strings.TrimSpace(role))), strings.TrimSpace(provider)); err != nil {
			return err
		}
	}
	return nil
}

func runTUI(ctx context.Context, app *App, templateID string, assign map[string]string) error {
	var model *tui.Model
	seq, err := app.NewSequencer(templateID, notify.Func(func(n notify.Notification) {
		if model != nil {
			model.Sink().Notify(n)
		}
	}))
	if err != nil {
		return err
	}
	if err := applyAssignment(seq, assign); err != nil {
		return err
	}

	model = tui.New(ctx, seq)
	_, err = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	seq.Reset()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run terminal UI: %w", err)
	}
	return nil
}

// workflowInput drives a non-interactive run.
type workflowInput struct {
	prompt      string
	refinements []string
	autoApprove bool
	in          io.Reader
	out         io.Writer
}

// runWorkflow runs the whole chain in the terminal. Stage outputs are
// printed as they complete. Without autoApprove, each line read from in is
// either approval (empty or "y"), abort ("n" or "q") or a refinement.
func runWorkflow(ctx context.Context, seq *workflow.Sequencer, in workflowInput) error {
	unsubscribe := seq.Subscribe(func(ev workflow.Event) {
		switch ev.Type {
		case workflow.EventStageAwaiting, workflow.EventStageCompleted:
			if ev.Stage == 0 && ev.Type == workflow.EventStageCompleted {
				return
			}
			printStage(in.out, ev.Snapshot.Stages[ev.Stage])
		}
	})
	defer unsubscribe()

	if err := seq.Start(ctx, in.prompt); err != nil {
		return err
	}
	for _, extra := range in.refinements {
		if err := seq.SubmitRefinement(ctx, extra); err != nil {
			return err
		}
	}

	if !in.autoApprove {
		approved, err := askApproval(ctx, seq, in.in, in.out)
		if err != nil || !approved {
			return err
		}
	}

	if err := seq.Advance(ctx); err != nil {
		return err
	}
	seq.Wait()

	for _, st := range seq.Snapshot().Stages {
		if st.Error != "" && st.Status == workflow.StatusPending {
			return fmt.Errorf("stage %d (%s) failed: %s", st.Index+1, st.RoleName, st.Error)
		}
	}
	return nil
}

func askApproval(ctx context.Context, seq *workflow.Sequencer, r io.Reader, w io.Writer) (bool, error) {
	scanner := bufio.NewScanner(r)
	for {
		fmt.Fprint(w, "Approve? [Y]es / [n]o / or type additional requirements: ")
		if !scanner.Scan() {
			// EOF
			fmt.Fprintln(w)
			return false, scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "", "y", "yes":
			return true, nil
		case "n", "no", "q", "quit":
			return false, nil
		}
		if err := seq.SubmitRefinement(ctx, line); err != nil {
			return false, err
		}
	}
}

func printStage(w io.Writer, st workflow.Stage) {
	fmt.Fprintf(w, "=== Stage %d · %s · %s (%s)\n%s\n\n", st.Index+1, st.RoleName, st.Provider, st.Model, st.Output)
}

func connectCmd(opts *globalOptions) *cobra.Command {
	var (
		key   string
		model string
	)

	cmd := &cobra.Command{
		Use:   "connect <provider>",
		Short: "Store and test an API key for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			if key == "" {
				key = os.Getenv(strings.ToUpper(args[0]) + "_API_KEY")
			}

			app, err := opts.startApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Shutdown(shutdownTimeout)

			conn, err := app.credentials.Connect(ctx, args[0], key, model)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (model %s)\n", conn.Provider, conn.Status, app.client.ResolveModel(conn.Provider, conn.Model))
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "API key (default: $<PROVIDER>_API_KEY)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model to use (default: provider default)")
	return cmd
}

func disconnectCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <provider>",
		Short: "Forget the API key of a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.startApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Shutdown(shutdownTimeout)

			if err := app.credentials.Disconnect(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: disconnected\n", args[0])
			return nil
		},
	}
}

func statusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List providers and their connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.startApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Shutdown(shutdownTimeout)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tSTATUS\tMODEL\tUPDATED")
			for _, id := range llm.ListProviders() {
				status, updated := "disconnected", "-"
				model := app.client.ResolveModel(id, "")
				if conn, ok := app.credentials.Connection(id); ok {
					status = string(conn.Status)
					model = app.client.ResolveModel(id, conn.Model)
					updated = conn.UpdatedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, status, model, updated)
			}
			return tw.Flush()
		},
	}
}

func resetAllCmd(opts *globalOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset-all",
		Short: "Erase every stored connection and the response history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset-all erases every API key and all history; pass --yes to confirm")
			}
			app, err := opts.startApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Shutdown(shutdownTimeout)

			if err := app.credentials.ResetAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All connections and history erased")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm erasing all data")
	return cmd
}

func templatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List workflow templates and their roles",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			for _, t := range workflow.ListTemplates() {
				fmt.Fprintf(out, "%s: %s\n", t.ID, t.Title)
				for _, r := range t.Roles {
					fmt.Fprintf(out, "  %s  %-22s %s\n", r.ID, r.Name, r.Description)
				}
			}
		},
	}
}

func historyCmd(opts *globalOptions) *cobra.Command {
	var (
		limit int
		full  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent responses, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.startApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Shutdown(shutdownTimeout)

			records, err := app.history.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rec := range records {
				label := rec.Provider
				if rec.Role != "" {
					label = rec.Role + " · " + rec.Provider
				}
				fmt.Fprintf(out, "%s  %-8s %s", rec.CreatedAt.Local().Format(time.DateTime), rec.Mode, label)
				if rec.Model != "" {
					fmt.Fprintf(out, " (%s)", rec.Model)
				}
				fmt.Fprintln(out)

				body := rec.Content
				if rec.Error != "" {
					body = "error: " + rec.Error
				}
				if !full {
					body = truncate(body, 120)
				}
				fmt.Fprintf(out, "  %s\n", body)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show (0 = all)")
	cmd.Flags().BoolVar(&full, "full", false, "Print complete responses")
	return cmd
}

// truncate shortens s to at most n runes on a single line.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
