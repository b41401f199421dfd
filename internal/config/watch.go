// Copyright 2025 Tom Barlow
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

package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloadable holds the subset of configuration that may change at runtime.
// Ports, role, and storage selectors require a restart; edits to those keys
// are logged and ignored by the watcher.
type Reloadable struct {
	MaxConcurrentTasks  int
	MaxConnPerExecution int
	MaxTotalConn        int
	LogLevel            string
}

// Watch re-reads the config file on change and invokes onReload with the
// reloadable subset. Debounces bursts of write events (editors often emit
// several per save). Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, base *Config, logger *slog.Logger, onReload func(Reloadable)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.Any("error", err))
		case <-fire:
			next, err := Load(path)
			if err != nil {
				logger.Warn("ignoring invalid config reload", slog.Any("error", err))
				continue
			}
			if next.Role != base.Role {
				logger.Warn("role change requires restart, ignoring",
					slog.String("configured", string(next.Role)),
					slog.String("running", string(base.Role)))
			}
			if next.Gateway.Port != base.Gateway.Port {
				logger.Warn("gateway port change requires restart, ignoring")
			}
			onReload(Reloadable{
				MaxConcurrentTasks:  next.Scheduler.MaxConcurrentTasks,
				MaxConnPerExecution: next.WebSocket.MaxConnPerExecution,
				MaxTotalConn:        next.WebSocket.MaxTotalConn,
				LogLevel:            next.Log.Level,
			})
			logger.Info("configuration reloaded")
		}
	}
}
