package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"skillsync/internal/cache"
	"skillsync/internal/collab"
	"skillsync/internal/config"
	"skillsync/internal/discovery"
	"skillsync/internal/document"
	"skillsync/internal/errors"
	"skillsync/internal/logging"
	"skillsync/internal/projector"
	"skillsync/internal/scan"
	"skillsync/internal/token"
	"skillsync/internal/tui"
)

// newApp creates the CLI application with all commands.
func newApp() *cli.App {
	app := &cli.App{
		Name:    "skillsync-agent",
		Usage:   "Terminal peer for collaborative skill documents",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "skillsync.toml", EnvVars: []string{"SKILLSYNC_CONFIG"}, Usage: "Config file"},
		},
		Commands: []*cli.Command{
			watchCmd(),
			inspectCmd(),
			discoverCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, outputError(errors.NewInvalidRequest(err.Error()))
	}
	return cfg, nil
}

// watchCmd opens a document in the terminal viewer.
func watchCmd() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "View a document with live collaborator cursors",
		ArgsUsage: "<fileId>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Usage: "Server base URL (default: config, then mDNS)"},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "User id (default: config, then random)"},
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Display name"},
			&cli.BoolFlag{Name: "debug", Usage: "Log at debug level"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one file id is required"))
			}
			fileID := c.Args().First()
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if v := c.String("server"); v != "" {
				cfg.Agent.Server = v
			}
			if v := c.String("user"); v != "" {
				cfg.Agent.UserID = v
			}
			if v := c.String("name"); v != "" {
				cfg.Agent.Username = v
			}
			if cfg.Agent.UserID == "" {
				cfg.Agent.UserID = uuid.NewString()
			}

			fl, err := logging.NewFile(cfg.Agent.DataDir, "agent", c.Bool("debug"))
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			defer fl.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cfg, fileID, fl)
		},
	}
}

func watch(ctx context.Context, cfg config.Config, fileID string, fl logging.FileLogger) error {
	log := fl.Logger
	base, err := resolveServer(ctx, cfg.Agent.Server)
	if err != nil {
		return outputError(err)
	}

	dc, err := cache.Open(filepath.Join(cfg.Agent.DataDir, "cache.db"))
	if err != nil {
		return outputError(errors.NewInternal(err))
	}
	defer dc.Close()

	content, offline, err := openDocument(ctx, base, fileID, dc, log)
	if err != nil {
		return outputError(err)
	}
	doc, err := buildDocument(content)
	if err != nil {
		return outputError(errors.NewInternal(err))
	}

	wsURL, err := websocketURL(base)
	if err != nil {
		return outputError(errors.NewInvalidRequest(err.Error()))
	}
	client := collab.NewClient(collab.ClientOptions{
		URL:      wsURL,
		UserID:   cfg.Agent.UserID,
		Username: cfg.Agent.Username,
		Logger:   log,
	})
	client.Join(fileID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("collaboration client stopped", "error", err)
		}
	}()

	screen, err := tcell.NewScreen()
	if err != nil {
		return outputError(errors.NewInternal(err))
	}
	if err := screen.Init(); err != nil {
		return outputError(errors.NewInternal(err))
	}
	defer screen.Fini()

	log.Info("watching", "file_id", fileID, "server", base, "user", cfg.Agent.UserID, "offline", offline)
	v := tui.New(screen, doc, tui.Options{
		FileID:      fileID,
		LocalUserID: cfg.Agent.UserID,
		Channel:     client,
		Presence:    client,
		Throttle:    cfg.Collab.ThrottleInterval.Duration,
		CursorTTL:   cfg.Collab.CursorTTL.Duration,
		Fallback:    cfg.Collab.FallbackTick.Duration,
		Logger:      log,
	})
	return v.Run(ctx)
}

// buildDocument parses content and promotes every token to an entity.
// Register converts the existing runs itself.
func buildDocument(content string) (*document.Document, error) {
	doc := document.Parse(content, document.WithEntityKinds(token.Kinds...))
	if _, err := scan.Register(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// inspectCmd prints the offset projection of a document.
func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the offset map and references of a document (reads stdin or a file)",
		ArgsUsage: "[file]",
		Action: func(c *cli.Context) error {
			var r io.Reader = c.App.Reader
			if c.NArg() > 0 {
				f, err := os.Open(c.Args().First())
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				defer f.Close()
				r = f
			}
			data, err := io.ReadAll(r)
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			doc, err := buildDocument(string(data))
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			return outputJSON(c.App.Writer, inspect(doc))
		},
	}
}

type inspectLeaf struct {
	Key   string `json:"key"`
	Block string `json:"block"`
	Kind  string `json:"kind"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label,omitempty"`
}

type inspectBlock struct {
	Key   string `json:"key"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

type inspectOutput struct {
	Length     int            `json:"length"`
	Blocks     []inspectBlock `json:"blocks"`
	Leaves     []inspectLeaf  `json:"leaves"`
	References token.Refs     `json:"references"`
}

func inspect(doc *document.Document) inspectOutput {
	m := projector.Build(doc)
	out := inspectOutput{
		Length:     m.Len,
		Blocks:     make([]inspectBlock, 0, len(m.Blocks)),
		Leaves:     make([]inspectLeaf, 0, len(m.Leaves)),
		References: token.References(doc.Text()),
	}
	for _, b := range m.Blocks {
		out.Blocks = append(out.Blocks, inspectBlock{Key: b.Key, Start: b.Start, End: b.End})
	}
	for _, l := range m.Leaves {
		leaf := inspectLeaf{Key: l.Key, Block: l.BlockKey, Kind: "text", Start: l.Start, End: l.End}
		if l.Kind == projector.LeafEntity {
			leaf.Kind = "entity"
			if n, ok := doc.Node(l.Key); ok {
				if e, ok := n.(*document.Entity); ok {
					leaf.Label = e.Value().Label()
				}
			}
		}
		out.Leaves = append(out.Leaves, leaf)
	}
	return out
}

// discoverCmd lists servers announced on the local network.
func discoverCmd() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "List skillsync servers on the local network",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "timeout", Aliases: []string{"t"}, Value: 3 * time.Second, Usage: "How long to browse"},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			services, err := discovery.Lookup(ctx)
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			type entry struct {
				Instance string `json:"instance"`
				URL      string `json:"url"`
				Version  string `json:"version,omitempty"`
			}
			out := make([]entry, len(services))
			for i, s := range services {
				out[i] = entry{Instance: s.Instance, URL: s.BaseURL(), Version: s.Version}
			}
			return outputJSON(c.App.Writer, out)
		},
	}
}

// outputJSON writes v to w as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if apiErr, ok := err.(*errors.APIError); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", apiErr.Code, apiErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
