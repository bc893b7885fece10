/*
 * Copyright (C) 2024, Vizaxe
 *
 * This file is part of flowcache.
 *
 * flowcache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * flowcache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package coremain

import (
	"context"
	"fmt"
	"github.com/Vizaxe/flowcache/pkg/mlog"
	"github.com/Vizaxe/flowcache/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"time"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

type serverFlags struct {
	c string
}

var rootCmd = &cobra.Command{
	Use:          "flowcache",
	Short:        "Expiring, owner scoped state cache and its reclamation daemon.",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(newStartCmd(), newSweepCmd(), newPingCmd(), newVersionCmd())
}

// Run executes the command line.
func Run() error {
	return rootCmd.Execute()
}

func loadWithLogger(path string) (*Config, *zap.Logger, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	lg, err := mlog.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger, %w", err)
	}
	return cfg, lg, nil
}

func newStartCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "start [-c config_file]",
		Short: "Start the reclamation daemon.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer(cmd.Context(), sf)
		},
	}
	c.Flags().StringVarP(&sf.c, "config", "c", "", "config file")
	return c
}

func startServer(ctx context.Context, sf *serverFlags) error {
	cfg, lg, err := loadWithLogger(sf.c)
	if err != nil {
		return err
	}
	defer lg.Sync()

	f, err := NewFlowcache(cfg, lg)
	if err != nil {
		return fmt.Errorf("failed to init flowcache, %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := f.Start(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = f.Close(closeCtx)
		return err
	}
	lg.Info("flowcache started", zap.String("backend", cfg.Backend), zap.Strings("caches", cfg.cacheNames()))

	select {
	case sig := <-utils.NotifyExit():
		lg.Info("exiting", zap.Stringer("signal", sig))
	case <-ctx.Done():
		lg.Info("exiting", zap.Error(ctx.Err()))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return f.Close(closeCtx)
}

func newSweepCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "sweep [-c config_file]",
		Short: "Remove expired entries of every cache once and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, lg, err := loadWithLogger(sf.c)
			if err != nil {
				return err
			}
			defer lg.Sync()
			f, err := NewFlowcache(cfg, lg)
			if err != nil {
				return err
			}
			defer f.Close(context.Background())

			res, err := f.SweepAll(context.Background())
			for _, name := range cfg.cacheNames() {
				cmd.Printf("%s: %d removed\n", name, res[name])
			}
			return err
		},
	}
	c.Flags().StringVarP(&sf.c, "config", "c", "", "config file")
	return c
}

func newPingCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "ping [-c config_file]",
		Short: "Check that the cache backend is reachable.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, lg, err := loadWithLogger(sf.c)
			if err != nil {
				return err
			}
			defer lg.Sync()
			f, err := NewFlowcache(cfg, lg)
			if err != nil {
				return err
			}
			defer f.Close(context.Background())

			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			defer cancel()
			if err := f.Ping(ctx); err != nil {
				return err
			}
			cmd.Println("ok")
			return nil
		},
	}
	c.Flags().StringVarP(&sf.c, "config", "c", "", "config file")
	return c
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print out version info and exit.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}
