/*
This is an example of application that will use the
engine package to test things out
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/anima-deferred/engine"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/testbed"
)

func main() {
	configPath := flag.String("config", "", "TOML configuration file, defaults are used when empty")
	frames := flag.Uint64("frames", 0, "stop after this many frames, 0 runs until the window closes")
	flag.Parse()

	tb := testbed.NewTestGame(&engine.ApplicationConfig{
		StartPosX:  100,
		StartPosY:  100,
		Name:       "Anima Deferred Testbed",
		ConfigPath: *configPath,
		MaxFrames:  *frames,
	})

	e, err := engine.New(tb.Game)
	if err != nil {
		core.LogFatal("%v", err)
		os.Exit(1)
	}
	if err := e.Initialize(); err != nil {
		core.LogFatal("%v", err)
		os.Exit(1)
	}

	// capture sigterm and other system calls here
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	runErr := e.Run(ctx)
	if runErr != nil {
		core.LogFatal("%v", runErr)
	}
	if err := e.Shutdown(); err != nil {
		core.LogError("shutdown: %v", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
}
