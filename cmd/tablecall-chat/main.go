// Command tablecall-chat runs the reservation dialogue over the terminal,
// without telephony, recognition or synthesis. Each line typed is one
// caller turn.
//
//	tablecall-chat -config config.yaml -business spice-garden
//
// Lines starting with a slash are commands: /state prints the booking
// state, /reset starts a new conversation and /quit exits.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tablecall/internal/app"
	"github.com/MrWong99/tablecall/internal/business"
	"github.com/MrWong99/tablecall/internal/callsession"
	"github.com/MrWong99/tablecall/internal/config"
	"github.com/MrWong99/tablecall/internal/extract"
	"github.com/MrWong99/tablecall/internal/observe"
	"github.com/MrWong99/tablecall/internal/pipeline"
	"github.com/MrWong99/tablecall/internal/reservation"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	businessID := flag.String("business", "", "business to talk to; defaults to the first configured")
	verbose := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tablecall-chat: %v\n", err)
		return 1
	}
	prof, err := pickBusiness(cfg, *businessID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tablecall-chat: %v\n", err)
		return 1
	}

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)
	providers, err := app.BuildProviders(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		fmt.Fprintf(os.Stderr, "tablecall-chat: %v\n", err)
		return 1
	}
	if providers.LLM == nil {
		fmt.Fprintln(os.Stderr, "tablecall-chat: no llm provider configured")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := &chat{
		profile:   prof,
		bookings:  reservation.NewMemoryRepository(),
		providers: providers,
		out:       os.Stdout,
	}
	c.reset()
	if err := c.loop(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "tablecall-chat: %v\n", err)
		return 1
	}
	return 0
}

func pickBusiness(cfg *config.Config, id string) (*business.Profile, error) {
	profiles, err := cfg.Profiles()
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, errors.New("no businesses configured")
	}
	if id == "" {
		return &profiles[0], nil
	}
	for i := range profiles {
		if profiles[i].ID == id {
			return &profiles[i], nil
		}
	}
	return nil, fmt.Errorf("unknown business %q", id)
}

type chat struct {
	profile   *business.Profile
	bookings  reservation.Repository
	providers *app.Providers
	out       io.Writer

	session *callsession.Session
}

// reset starts a new conversation. Bookings made so far are kept, so
// availability reflects earlier turns.
func (c *chat) reset() {
	ext := c.providers.Extract
	if ext == nil {
		ext = c.providers.LLM
	}
	c.session = callsession.NewSession(uuid.NewString(), c.profile,
		c.profile.NewEngine(c.bookings), c.providers.LLM,
		extract.New(ext, extract.WithLocation(c.profile.Location())))

	greeting := c.profile.Greeting
	if greeting == "" {
		greeting = pipeline.DefaultConfig().Greeting
	}
	fmt.Fprintf(c.out, "[%s] %s\n", c.profile.Name, greeting)
}

func (c *chat) loop(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(c.out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			c.reset()
			continue
		case "/state":
			c.printState()
			continue
		}

		reply, err := c.session.Respond(ctx, pipeline.Utterance{Text: line})
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "[%s] %s\n", c.profile.Name, reply.Text)
		if reply.FirstToken > 0 {
			fmt.Fprintf(c.out, "  (first token %s, phase %s)\n", reply.FirstToken.Round(time.Millisecond), c.session.Phase())
		}
		if c.session.Transferred() {
			fmt.Fprintln(c.out, "  (caller transferred to staff; /reset to start over)")
		}
	}
}

func (c *chat) printState() {
	s := c.session.Snapshot()
	fmt.Fprintf(c.out, "  phase:    %s\n", s.Phase)
	fmt.Fprintf(c.out, "  turns:    %d\n", s.Turns)
	if s.Pending != nil {
		fmt.Fprintf(c.out, "  pending:  %+v\n", *s.Pending)
	}
	if len(s.Missing) > 0 {
		names := make([]string, len(s.Missing))
		for i, f := range s.Missing {
			names[i] = f.String()
		}
		fmt.Fprintf(c.out, "  missing:  %s\n", strings.Join(names, ", "))
	}
	if len(s.Alternatives) > 0 {
		fmt.Fprintf(c.out, "  offered:  %s\n", strings.Join(s.Alternatives, ", "))
	}
	fmt.Fprintf(c.out, "  attempts: %d\n", s.Attempts)
}
