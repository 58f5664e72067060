// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/TheThingsNetwork/go-utils/handlers/cli"
	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ctx *log.Logger

var logFile *os.File

// DownstreamCmd is the main command that is executed when running rsp-downstream
var DownstreamCmd = &cobra.Command{
	Use:               "rsp-downstream",
	Short:             "Downstream gateway of the RSP controller",
	Long:              `rsp-downstream connects the RSP controller to its RFID sensor platforms and GPIO devices over MQTT or AMQP`,
	PersistentPreRunE: setupLogging,
	Run:               runDownstream,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLogging()
	},
}

// setupLogging logs to stdout, and to a JSON log file if configured
func setupLogging(cmd *cobra.Command, args []string) error {
	handlers := []log.Handler{cli.New(os.Stdout)}

	if location := config.GetString("log-file"); location != "" {
		location, err := filepath.Abs(location)
		if err != nil {
			return err
		}
		if logFile, err = os.OpenFile(location, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644); err != nil {
			return fmt.Errorf("could not open log file: %s", err)
		}
		handlers = append(handlers, json.New(logFile))
	}

	level := log.InfoLevel
	if config.GetBool("debug") {
		level = log.DebugLevel
	}

	ctx = &log.Logger{
		Level:   level,
		Handler: multi.New(handlers...),
	}
	return nil
}

func closeLogging() {
	if logFile == nil {
		return
	}
	// give the handlers time to flush the last entries
	time.Sleep(100 * time.Millisecond)
	logFile.Close()
	logFile = nil
}

// Execute is called by main.go
func Execute() {
	defer func() {
		if thePanic := recover(); thePanic != nil {
			if ctx == nil {
				panic(thePanic)
			}
			ctx.WithField("panic", thePanic).WithField("stack", string(debug.Stack())).Fatal("Stopping because of panic")
		}
	}()

	if err := DownstreamCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		closeLogging()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	DownstreamCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Location of the config file")
	DownstreamCmd.PersistentFlags().String("log-file", "", "Location of the log file")
	DownstreamCmd.PersistentFlags().Bool("debug", false, "Print debug logs")
	viper.BindPFlags(DownstreamCmd.PersistentFlags())
}
