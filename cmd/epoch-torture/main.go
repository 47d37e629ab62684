// Copyright 2019-present PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/arl/statsviz"
	"github.com/docker/go-units"
	"github.com/ngaut/epochgc/config"
	"github.com/ngaut/epochgc/epoch"
	_ "github.com/ngaut/epochgc/metrics"
	"github.com/ngaut/epochgc/torture"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	configPath  = flag.String("config", "", "config file path")
	statusAddr  = flag.String("status-addr", "", "status address")
	logFile     = flag.String("log-file", "", "log file")
	logLevel    = flag.String("log-level", "", "log level")
	structure   = flag.String("structure", "", "container to torture: stack, queue or list")
	workers     = flag.Int("workers", 0, "number of worker goroutines")
	ops         = flag.Int("ops", 0, "operations per worker")
	duration    = flag.String("duration", "", "run for a fixed time instead of a fixed op count")
	configCheck = flagBoolean("config-check", false, "check config file validity and exit")
)

var (
	gitHash = "None"
)

func flagBoolean(name string, defaultVal bool, usage string) *bool {
	if !defaultVal {
		usage = fmt.Sprintf("%s (default false)", usage)
		return flag.Bool(name, defaultVal, usage)
	}
	return flag.Bool(name, defaultVal, usage)
}

// loadCmdConf will overwrite configurations using command line arguments
func loadCmdConf(conf *config.Config) {
	if *statusAddr != "" {
		conf.Server.StatusAddr = *statusAddr
	}
	if *logFile != "" {
		conf.Server.LogfilePath = *logFile
	}
	if *logLevel != "" {
		conf.Server.LogLevel = *logLevel
	}
	if *structure != "" {
		conf.Torture.Structure = *structure
	}
	if *workers > 0 {
		conf.Torture.Workers = *workers
	}
	if *ops > 0 {
		conf.Torture.Ops = *ops
	}
	if *duration != "" {
		conf.Torture.Duration = *duration
	}
}

func main() {
	flag.Parse()
	conf := loadConfig()
	loadCmdConf(conf)
	if err := conf.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config, err=%s\n", err.Error())
		os.Exit(1)
	}
	if *configCheck {
		os.Exit(0)
	}
	if conf.Server.MaxProcs > 0 {
		runtime.GOMAXPROCS(conf.Server.MaxProcs)
	}
	initLogger(conf)
	log.Info("gitHash", zap.String("hash", gitHash))
	log.S().Infof("conf %+v", *conf)

	c := epoch.NewCollector(conf.CollectorOptions()...)
	runner := torture.New(conf.Torture, c)

	ctx, cancel := context.WithCancel(context.Background())
	handleSignal(cancel)
	go serveStatus(conf.Server.StatusAddr, runner)

	res, err := runner.Run(ctx)
	c.Close()
	fmt.Printf("run %s: %s, %d workers, %d ops in %v\n", res.RunID, res.Structure, res.Workers, res.Ops, res.Elapsed)
	fmt.Printf("epoch %d (%d advances), retired %d, reclaimed %d, pending high water %d\n",
		res.Epoch, res.Advances, res.Retired, res.Reclaimed, res.PendingHighWater)
	fmt.Printf("nodes allocated %d, recycled %d, rss %s\n",
		res.Nodes.Allocated, res.Nodes.Recycled, units.HumanSize(float64(res.RSS)))
	if err != nil {
		log.Fatal("torture failed", zap.Int64("violations", res.Violations), zap.Error(err))
	}
	log.Info("torture passed")
}

func initLogger(conf *config.Config) {
	logConf := &log.Config{Level: conf.Server.LogLevel}
	if conf.Server.LogfilePath != "" {
		logConf.File = log.FileLogConfig{Filename: conf.Server.LogfilePath}
	}
	lg, props, err := log.InitLogger(logConf)
	if err != nil {
		panic(err)
	}
	log.ReplaceGlobals(lg, props)
}

func serveStatus(addr string, runner *torture.Runner) {
	if addr == "" {
		return
	}
	log.S().Infof("listening on %v", addr)
	http.HandleFunc("/status", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(writer).Encode(runner.Progress()); err != nil {
			log.Warn("write status failed", zap.Error(err))
		}
	})
	statsviz.RegisterDefault()
	err := http.ListenAndServe(addr, nil)
	if err != nil {
		log.Error("status server stopped", zap.Error(err))
	}
}

func loadConfig() *config.Config {
	conf := config.DefaultConf
	if *configPath != "" {
		_, err := toml.DecodeFile(*configPath, &conf)
		if err != nil {
			if *configCheck {
				fmt.Fprintf(os.Stderr, "config check failed, err=%s\n", err.Error())
				os.Exit(1)
			}
			panic(err)
		}
	} else {
		// configCheck should have the config file specified.
		if *configCheck {
			fmt.Fprintln(os.Stderr, "config check failed, no config file specified for config-check")
			os.Exit(1)
		}
	}
	return &conf
}

func handleSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.S().Infof("Got signal [%s] to exit.", sig)
		cancel()
	}()
}
