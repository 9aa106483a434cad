package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/export"
	"github.com/hpungsan/margin/internal/item"
	"github.com/hpungsan/margin/internal/mcp"
	"github.com/hpungsan/margin/internal/overview"
	"github.com/hpungsan/margin/internal/pipeline"
	"github.com/hpungsan/margin/internal/telegram"
	"github.com/hpungsan/margin/internal/web"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(e *env) *cli.App {
	app := &cli.App{
		Name:    "margin",
		Usage:   "Personal knowledge base with a self-maintaining overview",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", EnvVars: []string{"MARGIN_HOME"}, Usage: "Data directory (default: ~/.margin)"},
			&cli.BoolFlag{Name: "verbose", Usage: "Debug logging"},
		},
		Commands: []*cli.Command{
			serveCmd(e),
			mcpCmd(e),
			captureCmd(e),
			askCmd(e),
			overviewCmd(e),
			consolidateCmd(e),
			recentCmd(e),
			searchCmd(e),
			itemCmd(e),
			kbsCmd(e),
			gapsCmd(e),
			exportCmd(e),
			importCmd(e),
		},
		// With piped stdin and no command, act as an MCP server so that MCP
		// clients can launch the bare binary.
		Action: func(c *cli.Context) error {
			if c.NArg() > 0 {
				return cli.Exit(fmt.Sprintf("unknown command %q, run 'margin --help' for usage", c.Args().First()), 1)
			}
			if !stdinHasData() {
				return cli.ShowAppHelp(c)
			}
			return withEnv(e, runMCP)(c)
		},
		After: func(*cli.Context) error {
			e.close()
			return nil
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// withEnv opens e before running fn.
func withEnv(e *env, fn func(*cli.Context, *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		if err := e.open(c.String("data-dir"), c.Bool("verbose")); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		return fn(c, e)
	}
}

// kbFlag returns a fresh --kb flag; flag values carry parse state.
func kbFlag() cli.Flag {
	return &cli.StringFlag{Name: "kb", Aliases: []string{"k"}, Value: "personal", EnvVars: []string{"MARGIN_KB"}, Usage: "Knowledge base id"}
}

func serveCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the web front end, the Telegram bot, and scheduled consolidation",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-web", Usage: "Do not start the web front end"},
			&cli.BoolFlag{Name: "no-telegram", Usage: "Do not start the Telegram bot"},
		},
		Action: withEnv(e, func(c *cli.Context, e *env) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, e, !c.Bool("no-web"), !c.Bool("no-telegram"))
		}),
	}
}

// serve runs the enabled front ends until ctx is done or one of them fails.
func serve(ctx context.Context, e *env, withWeb, withTelegram bool) error {
	g, ctx := errgroup.WithContext(ctx)

	started := 0
	if withWeb {
		srv, err := web.NewServer(e.p, e.cfg, Version, e.log)
		if err != nil {
			return outputError(err)
		}
		g.Go(func() error { return web.Run(ctx, srv, e.cfg.Web.Token != "", e.log) })
		started++
	}

	if withTelegram {
		if e.cfg.Telegram.Token == "" {
			e.log.Info("telegram.token not set; Telegram bot disabled")
		} else {
			api, err := tgbotapi.NewBotAPI(e.cfg.Telegram.Token)
			if err != nil {
				return cli.Exit(fmt.Sprintf("telegram: %v", err), 1)
			}
			bot, err := telegram.New(api, nil, e.p, e.cfg.Telegram, e.log)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			g.Go(func() error { return bot.Run(ctx) })
			started++
		}
	}

	if started == 0 {
		return cli.Exit("nothing to serve: enable the web front end or configure telegram.token", 1)
	}

	g.Go(func() error {
		e.p.RunConsolidation(ctx, e.cfg.ConsolidationInterval)
		return nil
	})
	return g.Wait()
}

func mcpCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:   "mcp",
		Usage:  "Serve the knowledge base tools over MCP stdio",
		Action: withEnv(e, runMCP),
	}
}

func runMCP(c *cli.Context, e *env) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	go e.p.RunConsolidation(ctx, e.cfg.ConsolidationInterval)

	if err := mcp.Run(e.p, e.cfg, Version); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func captureCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "capture",
		Usage:     "Send one message to a knowledge base (text from arguments or stdin)",
		ArgsUsage: "[text...]",
		Flags:     []cli.Flag{kbFlag()},
		Action: withEnv(e, func(c *cli.Context, e *env) error {
			text, err := inputText(c)
			if err != nil {
				return outputError(err)
			}
			reply, err := e.p.Handle(c.Context, c.String("kb"), text)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, reply)
		}),
	}
}

func askCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Answer a question without storing it",
		ArgsUsage: "[question...]",
		Flags:     []cli.Flag{kbFlag()},
		Action: withEnv(e, func(c *cli.Context, e *env) error {
			question, err := inputText(c)
			if err != nil {
				return outputError(err)
			}
			reply, err := e.p.Ask(c.Context, c.String("kb"), question)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, reply)
		}),
	}
}

// overviewJSON is the CLI rendering of an overview snapshot.
type overviewJSON struct {
	KB        string `json:"kb"`
	Revision  int64  `json:"revision"`
	Empty     bool   `json:"empty"`
	Text      string `json:"text"`
	OpenTasks int    `json:"open_tasks"`
}

func snapshotJSON(s *overview.Snapshot) overviewJSON {
	return overviewJSON{
		KB:        s.KB,
		Revision:  s.Revision,
		Empty:     s.Overview.IsEmpty(),
		Text:      s.Overview.Text(),
		OpenTasks: s.Overview.OpenTaskCount(),
	}
}

func overviewCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "overview",
		Usage: "Show, replace, or check an overview",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the current overview",
				Flags: []cli.Flag{
					kbFlag(),
					&cli.BoolFlag{Name: "markdown", Aliases: []string{"m"}, Usage: "Print the markdown text only"},
				},
				Action: withEnv(e, func(c *cli.Context, e *env) error {
					snap, err := e.p.Overview(c.Context, c.String("kb"))
					if err != nil {
						return outputError(err)
					}
					if c.Bool("markdown") {
						_, err := fmt.Fprint(c.App.Writer, snap.Overview.Text())
						return err
					}
					return outputJSON(c, snapshotJSON(snap))
				}),
			},
			{
				Name:  "set",
				Usage: "Replace the overview with markdown read from stdin",
				Flags: []cli.Flag{kbFlag()},
				Action: withEnv(e, func(c *cli.Context, e *env) error {
					text, err := inputText(c)
					if err != nil {
						return outputError(err)
					}
					snap, err := e.p.SetOverview(c.Context, c.String("kb"), text)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, snapshotJSON(snap))
				}),
			},
			{
				// lint needs neither the database nor the oracle.
				Name:  "lint",
				Usage: "Check overview markdown read from stdin against the section rules",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "max-chars", Value: 8000, Usage: "Size cap to check against"},
				},
				Action: func(c *cli.Context) error {
					text, err := inputText(c)
					if err != nil {
						return outputError(err)
					}
					res := overview.Lint(overview.LintInput{Text: text, MaxChars: c.Int("max-chars")})
					if err := outputJSON(c, map[string]any{"valid": res.Valid, "problems": res.Problems()}); err != nil {
						return err
					}
					if !res.Valid {
						return cli.Exit("overview is invalid", 1)
					}
					return nil
				},
			},
		},
	}
}

func consolidateCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "consolidate",
		Usage: "Regenerate the overview from recent items",
		Flags: []cli.Flag{
			kbFlag(),
			&cli.BoolFlag{Name: "all", Usage: "Consolidate every knowledge base"},
		},
		Action: withEnv(e, func(c *cli.Context, e *env) error {
			kbs := []string{c.String("kb")}
			if c.Bool("all") {
				var err error
				if kbs, err = e.p.KnowledgeBases(c.Context); err != nil {
					return outputError(err)
				}
			}
			out := make([]overviewJSON, 0, len(kbs))
			for _, kb := range kbs {
				snap, err := e.p.Consolidate(c.Context, kb)
				if err != nil {
					return outputError(err)
				}
				out = append(out, snapshotJSON(snap))
			}
			if !c.Bool("all") {
				return outputJSON(c, out[0])
			}
			return outputJSON(c, out)
		}),
	}
}

func recentCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "recent",
		Usage: "List the most recently captured items, optionally by tag",
		Flags: []cli.Flag{
			kbFlag(),
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 10, Usage: "Maximum items to return"},
			&cli.StringFlag{Name: "tag", Aliases: []string{"t"}, Usage: "Only items carrying this tag"},
		},
		Action: withEnv(e, func(c *cli.Context, e *env) error {
			var (
				items []item.Item
				err   error
			)
			if tag := c.String("tag"); tag != "" {
				items, err = e.p.Tagged(c.Context, c.String("kb"), tag, c.Int("limit"))
			} else {
				items, err = e.p.Recent(c.Context, c.String("kb"), c.Int("limit"))
			}
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, map[string]any{"items": items, "count": len(items)})
		}),
	}
}

func searchCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Full-text search over stored items",
		ArgsUsage: "<terms...>",
		Flags: []cli.Flag{
			kbFlag(),
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 10, Usage: "Maximum items to return"},
		},
		Action: withEnv(e, func(c *cli.Context, e *env) error {
			q := strings.Join(c.Args().Slice(), " ")
			items, err := e.p.Search(c.Context, c.String("kb"), q, c.Int("limit"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, map[string]any{"items": items, "count": len(items)})
		}),
	}
}

func itemCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "item",
		Usage:     "Show one item with its extracted records",
		ArgsUsage: "<id>",
		Flags:     []cli.Flag{kbFlag()},
		Action: withEnv(e, func(c *cli.Context, e *env) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one item id is required"))
			}
			it, extracted, err := e.p.Item(c.Context, c.String("kb"), c.Args().First())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, map[string]any{"item": it, "extracted": extracted})
		}),
	}
}

func kbsCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "kbs",
		Usage: "List knowledge bases",
		Action: withEnv(e, func(c *cli.Context, e *env) error {
			kbs, err := e.p.KnowledgeBases(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, map[string]any{"kbs": kbs, "count": len(kbs)})
		}),
	}
}

func gapsCmd(e *env) *cli.Command {
	resolve := func(apply bool) cli.ActionFunc {
		return withEnv(e, func(c *cli.Context, e *env) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one gap report id is required"))
			}
			id := c.Args().First()
			if apply {
				g, err := e.p.ApplyGap(c.Context, c.String("kb"), id)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c, g)
			}
			if err := e.p.DismissGap(c.Context, c.String("kb"), id); err != nil {
				return outputError(err)
			}
			return outputJSON(c, map[string]any{"id": id, "status": "dismissed"})
		})
	}

	return &cli.Command{
		Name:  "gaps",
		Usage: "Review capability-gap reports",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List pending reports",
				Flags: []cli.Flag{kbFlag()},
				Action: withEnv(e, func(c *cli.Context, e *env) error {
					gaps, err := e.p.PendingGaps(c.Context, c.String("kb"))
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, map[string]any{"gaps": gaps, "count": len(gaps)})
				}),
			},
			{
				Name:      "apply",
				Usage:     "Replace the targeted contract with the report's proposal",
				ArgsUsage: "<id>",
				Flags:     []cli.Flag{kbFlag()},
				Action:    resolve(true),
			},
			{
				Name:      "dismiss",
				Usage:     "Reject a report",
				ArgsUsage: "<id>",
				Flags:     []cli.Flag{kbFlag()},
				Action:    resolve(false),
			},
		},
	}
}

func exportCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export every item of a knowledge base to a JSONL file",
		Flags: []cli.Flag{
			kbFlag(),
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.margin/exports/<kb>-<timestamp>.jsonl)"},
		},
		Action: withEnv(e, func(c *cli.Context, e *env) error {
			in := pipeline.ExportInput{KB: c.String("kb")}
			if path := c.String("path"); path != "" {
				abs, err := filepath.Abs(path)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				in.Path = abs
				in.AllowedDirs = []string{filepath.Dir(abs)}
			}
			out, err := e.p.Export(c.Context, in)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, out)
		}),
	}
}

func importCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import items from a JSONL export",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kb", Aliases: []string{"k"}, Usage: "Target knowledge base (default: the one named in the file)"},
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Import file path"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "error", Usage: "Id collision mode: error|skip|rename"},
		},
		Action: withEnv(e, func(c *cli.Context, e *env) error {
			out, err := e.p.Import(c.Context, pipeline.ImportInput{
				KB:   c.String("kb"),
				Path: c.String("path"),
				Mode: export.ImportMode(c.String("mode")),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, out)
		}),
	}
}

// Helper functions

// outputJSON marshals result to the app's writer as JSON.
func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var mErr *errors.MarginError
	if stderrors.As(err, &mErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", mErr.Code, mErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// inputText returns the positional arguments joined by spaces, or stdin
// when there are none.
func inputText(c *cli.Context) (string, error) {
	if c.NArg() > 0 {
		return strings.Join(c.Args().Slice(), " "), nil
	}
	if c.App.Reader == os.Stdin && !stdinHasData() {
		return "", errors.NewInvalidRequest("text is required (as arguments or piped via stdin)")
	}
	data, err := io.ReadAll(c.App.Reader)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.NewInvalidRequest("text is required")
	}
	return text, nil
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}
