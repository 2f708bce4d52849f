package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/inkboard/collab/collab"
)

const Version = "0.0.1"

func main() {
	usage := `Canvas collaboration control.

Usage:
    collabctl clear-locks --db=<db> [--canvas=<canvas>]
    collabctl watch --db=<db> [--redis=<redis>] [--canvas=<canvas>] [--session=<session>]
    collabctl whoami [--jwt=<jwt>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --db=<db>            Postgres connection url.
    --redis=<redis>      Redis address [default: localhost:6379].
    --canvas=<canvas>    Canvas scope [default: main].
    --session=<session>  Presence session scope [default: main].
    --jwt=<jwt>          Auth token. Prompted for when omitted.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if clearLocks_, _ := opts.Bool("clear-locks"); clearLocks_ {
		clearLocks(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	}
}

func clearLocks(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseUrl, _ := opts.String("--db")
	canvasId, _ := opts.String("--canvas")

	documentStore, err := collab.NewPgDocumentStore(ctx, databaseUrl, canvasId)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open document store: %v\n", err)
		os.Exit(1)
	}
	defer documentStore.Close()

	cleared, err := collab.ClearStaleLocksDirect(ctx, documentStore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clear-locks failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("cleared %d stale locks\n", cleared)
}

func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseUrl, _ := opts.String("--db")
	redisAddr, _ := opts.String("--redis")
	canvasId, _ := opts.String("--canvas")
	sessionScope, _ := opts.String("--session")

	documentStore, err := collab.NewPgDocumentStore(ctx, databaseUrl, canvasId)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open document store: %v\n", err)
		os.Exit(1)
	}
	defer documentStore.Close()

	unsubShapes, err := documentStore.Subscribe(
		ctx,
		func(shapes []*collab.Shape) {
			fmt.Printf("snapshot: %d shapes\n", len(shapes))
			for _, shape := range shapes {
				lock := ""
				if shape.IsLocked {
					lock = fmt.Sprintf(" locked by %s", shape.LockedByName)
				}
				fmt.Printf("  %s %s (%.0f,%.0f) %gx%g%s\n",
					shape.Id, shape.Type, shape.X, shape.Y, shape.Width, shape.Height, lock)
			}
		},
		func(err error) {
			fmt.Fprintf(os.Stderr, "snapshot error: %v\n", err)
		},
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe failed: %v\n", err)
		os.Exit(1)
	}
	defer unsubShapes()

	realtimeStore, err := collab.NewRedisRealtimeStore(ctx, redisAddr, sessionScope, collab.DefaultRedisRealtimeSettings())
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open realtime store: %v\n", err)
		os.Exit(1)
	}
	defer realtimeStore.Close()

	unsubPresence, err := realtimeStore.Subscribe(
		ctx,
		func(records map[string]*collab.PresenceRecord) {
			fmt.Printf("presence: %d online\n", len(records))
			for _, record := range records {
				editing := ""
				if record.CurrentlyEditing != "" {
					editing = fmt.Sprintf(" editing %s", record.CurrentlyEditing)
				}
				fmt.Printf("  %s (%.0f,%.0f)%s\n", record.DisplayName, record.CursorX, record.CursorY, editing)
			}
		},
		func(err error) {
			fmt.Fprintf(os.Stderr, "presence error: %v\n", err)
		},
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "presence subscribe failed: %v\n", err)
		os.Exit(1)
	}
	defer unsubPresence()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func whoami(opts docopt.Opts) {
	jwt := requireJwt(opts)
	authToken, err := collab.ParseAuthTokenUnverified(jwt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not parse token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("user: %s (%s)\n", authToken.UserId, authToken.DisplayName)
	if authToken.CanvasId != "" {
		fmt.Printf("canvas: %s\n", authToken.CanvasId)
	}
}

func requireJwt(opts docopt.Opts) string {
	if jwtAny := opts["--jwt"]; jwtAny != nil {
		return jwtAny.(string)
	}
	fmt.Print("Auth token: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not read token: %v\n", err)
		os.Exit(1)
	}
	return string(jwtBytes)
}
