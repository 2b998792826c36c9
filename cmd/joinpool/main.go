// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := joinpoolMain(); err != nil {
		os.Exit(1)
	}
}

// joinpoolMain is the real main function for joinpool.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func joinpoolMain() error {
	cfg, cmd, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addInterruptHandler(cancel)

	env := &environment{
		cfg:     cfg,
		manager: newManager(cfg),
		stdin:   bufio.NewReader(os.Stdin),
		stdout:  os.Stdout,
	}

	log.Debugf("Running %s on %s", cmd.name, cfg.params.Name)
	err = cmd.opts.run(ctx, env)
	if err != nil && !errors.Is(err, errReported) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd.name, err)
	}
	return err
}
