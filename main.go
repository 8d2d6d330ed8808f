// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	//nolint:gosec
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/zongbox/vpmu/internal/agent"
	"github.com/zongbox/vpmu/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.Version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if args.VerboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.Dump()
	}

	if err = args.Validate(); err != nil {
		return parseError("Invalid arguments: %v", err)
	}

	// Context to drive the main goroutine and the sweep loops.
	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM, unix.SIGABRT)
	defer mainCancel()

	if args.Duration > 0 {
		var durationCancel context.CancelFunc
		mainCtx, durationCancel = context.WithTimeout(mainCtx, args.Duration)
		defer durationCancel()
	}

	if args.PprofAddr != "" {
		go func() {
			//nolint:gosec
			if serveErr := http.ListenAndServe(args.PprofAddr, nil); serveErr != nil {
				log.Errorf("Serving pprof on %s failed: %s", args.PprofAddr, serveErr)
			}
		}()
	}

	log.Infof("Starting vpmu %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	a := agent.New(args)
	defer a.Shutdown()

	if err = a.Start(mainCtx); err != nil {
		return failure("Failed to start counting: %v", err)
	}

	// Block waiting for a signal or the duration to expire.
	<-mainCtx.Done()

	log.Info("Exiting ...")
	return exitSuccess
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
