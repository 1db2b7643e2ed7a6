// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main provides the entry point for the daily spending limit
// cache service.
//
// This binary wires together the five collaborators described by the
// service contract:
//  1. The record store (Postgres, the system of record).
//  2. The fast store (Redis, the hot consume path).
//  3. The dirty-set tracker (the sole handoff between consume and sync).
//  4. The limit engine (the consume/query state machine).
//  5. The sync worker (the periodic write-back loop).
//
// It then serves the HTTP API and, if configured, a separate Prometheus
// metrics listener, and performs an orderly shutdown on SIGINT/SIGTERM:
// the sync worker gets one final SHUTDOWN-triggered flush before the HTTP
// server is told to stop accepting connections.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Nafiya/limitcache/internal/limitcache/api"
	"github.com/Nafiya/limitcache/internal/limitcache/config"
	"github.com/Nafiya/limitcache/internal/limitcache/dirtyset"
	"github.com/Nafiya/limitcache/internal/limitcache/engine"
	"github.com/Nafiya/limitcache/internal/limitcache/faststore"
	"github.com/Nafiya/limitcache/internal/limitcache/metrics"
	"github.com/Nafiya/limitcache/internal/limitcache/record"
	"github.com/Nafiya/limitcache/internal/limitcache/syncworker"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file; LIMITCACHE_-prefixed env vars override it")
	migrationsDir := flag.String("migrations", "migrations", "Directory of goose SQL migrations")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMigrations(cfg.Postgres.DSN, *migrationsDir); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	recordStore := record.New(pool)
	fastStore := faststore.New(redisClient, cfg.Cache.KeyPrefix, cfg.CacheTTL())
	dirty := dirtyset.New()

	eng := engine.New(fastStore, recordStore, dirty, engine.Config{
		CacheEnabled: cfg.Cache.Enabled,
		KeyPrefix:    cfg.Cache.KeyPrefix,
		TTL:          cfg.CacheTTL(),
	}, log)

	worker := syncworker.New(fastStore, recordStore, dirty, syncworker.Config{
		KeyPrefix:     cfg.Cache.KeyPrefix,
		Interval:      cfg.SyncInterval(),
		BatchSize:     cfg.Sync.BatchSize,
		RetryAttempts: cfg.Sync.RetryAttempts,
	}, log)

	if cfg.Cache.Enabled {
		if err := eng.WarmCurrentMonth(ctx, time.Now().UTC()); err != nil {
			log.Warn("initial cache warm failed", zap.Error(err))
		}
	}
	if cfg.Sync.Enabled {
		worker.Trigger(ctx, record.SyncStartup)
	}

	var workerDone chan struct{}
	if cfg.Sync.Enabled {
		workerDone = make(chan struct{})
		go func() {
			defer close(workerDone)
			worker.Run(ctx)
		}()
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	server := api.NewServer(eng, worker, log)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("limitcache API server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	if workerDone != nil {
		<-workerDone // Run's own ctx.Done branch already fired the final SHUTDOWN sync.
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}

	log.Info("limitcache API server stopped")
}

func runMigrations(dsn, dir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, dir)
}
