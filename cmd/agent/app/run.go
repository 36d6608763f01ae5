// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cihub/seelog"
	"github.com/spf13/cobra"

	"github.com/matrixwatcher/agent/pkg/config"
	"github.com/matrixwatcher/agent/pkg/util/log"
	"github.com/matrixwatcher/agent/pkg/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground",
	RunE:  run,
}

const seelogConfigTemplate = `
<seelog minlevel="%s">
    <outputs formatid="agent">
        <console/>
    </outputs>
    <formats>
        <format id="agent" format="%%Date(2006-01-02 15:04:05 MST) | %%LEVEL | %%Msg%%n"/>
    </formats>
</seelog>`

func setupLogging(level string) error {
	logger, err := seelog.LoggerFromConfigAsString(fmt.Sprintf(seelogConfigTemplate, level))
	if err != nil {
		return err
	}
	log.SetupLogger(logger, level)
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(confFilePath)
	if err != nil {
		// Clamp violations are advisory; the returned config is usable.
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return err
	}
	defer log.Flush()

	log.Infof("starting agent %s", version.AgentVersion)

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	p.start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)

	p.stop()
	return nil
}
