// prevaldb-demo is a small CLI driving the demo key-value Model through a
// real engine.Engine. Every subcommand opens (or creates) the engine at
// -location, performs one operation, snapshots or closes as requested, and
// exits — there is no long-lived server here, only enough wiring to
// exercise Load/Create/LoadOrCreate, Execute, ExecuteQuery, and
// CreateSnapshot from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tienpsm/prevaldb/demo"
	"github.com/tienpsm/prevaldb/engine"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "prevaldb-demo:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("prevaldb-demo", flag.ExitOnError)
	location := fs.String("location", "./prevaldb-demo-data", "engine storage location")
	snapshotAfterRestore := fs.Bool("snapshot-after-restore", false, "take a snapshot immediately after opening")
	snapshotOnShutdown := fs.Bool("snapshot-on-shutdown", false, "take a snapshot just before closing")
	cloneResults := fs.Bool("clone-results", true, "deep-clone query/command results before returning them")
	lockTimeout := fs.Duration("lock-timeout", 5*time.Second, "max wait on any lock acquisition")
	verbose := fs.Bool("verbose", false, "log engine journal/snapshot activity at debug level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: prevaldb-demo [flags] put KEY VALUE | get KEY | delete KEY | scan PREFIX | snapshot [name]")
	}

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	behavior := engine.SnapshotNone
	switch {
	case *snapshotAfterRestore:
		behavior = engine.SnapshotAfterRestore
	case *snapshotOnShutdown:
		behavior = engine.SnapshotOnShutdown
	}

	cfg := engine.NewConfig(
		engine.WithLocation(*location),
		engine.WithCloneResults(*cloneResults),
		engine.WithSnapshotBehavior(behavior),
		engine.WithLockTimeout(*lockTimeout),
		engine.WithLoggerFactory(func() engine.Logger { return logger }),
	)

	e, err := engine.LoadOrCreate(demo.NewStore, cfg)
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			fmt.Fprintln(os.Stderr, "prevaldb-demo: closing engine:", cerr)
		}
	}()

	ctx := context.Background()
	switch rest[0] {
	case "put":
		if len(rest) != 3 {
			return fmt.Errorf("put requires KEY and VALUE")
		}
		rev, err := e.Execute(ctx, &demo.Put{Key: rest[1], Value: []byte(rest[2])})
		if err != nil {
			return err
		}
		fmt.Printf("put %q at revision %v\n", rest[1], rev)

	case "delete":
		if len(rest) != 2 {
			return fmt.Errorf("delete requires KEY")
		}
		if _, err := e.Execute(ctx, &demo.Delete{Key: rest[1]}); err != nil {
			return err
		}
		fmt.Printf("deleted %q\n", rest[1])

	case "get":
		if len(rest) != 2 {
			return fmt.Errorf("get requires KEY")
		}
		val, err := e.ExecuteQuery(ctx, demo.Get{Key: rest[1]})
		if err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", rest[1], val.([]byte))

	case "scan":
		prefix := ""
		if len(rest) == 2 {
			prefix = rest[1]
		}
		keys, err := e.ExecuteQuery(ctx, demo.ScanPrefix{Prefix: prefix})
		if err != nil {
			return err
		}
		for _, k := range keys.([]string) {
			fmt.Println(k)
		}

	case "snapshot":
		name := "auto"
		if len(rest) == 2 {
			name = rest[1]
		}
		if err := e.CreateSnapshot(name); err != nil {
			return err
		}
		fmt.Printf("snapshot %q written\n", name)

	default:
		return fmt.Errorf("unknown subcommand %q", rest[0])
	}

	return nil
}
