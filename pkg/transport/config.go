/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"errors"
	"fmt"
	"time"
)

const (
	defaultSocketPath  = "/tmp/shmheap.sock"
	defaultWorkers     = 16
	defaultQueueHint   = 64
	defaultIdleTimeout = 30 * time.Second

	// sizeof(sockaddr_un.sun_path) minus the terminating NUL
	maxSocketPathLength = 107
)

// ServerConfig is used to tune a Server.
type ServerConfig struct {
	// Path is the unix socket the server listens on.
	Path string
	// Workers bounds the number of connections served at the same time.
	Workers int
	// QueueHint sizes the queue accepted connections wait in for a worker.
	QueueHint int64
	// IdleTimeout closes a connection that sent no request for this long. 0 disables it.
	IdleTimeout time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Path:        defaultSocketPath,
		Workers:     defaultWorkers,
		QueueHint:   defaultQueueHint,
		IdleTimeout: defaultIdleTimeout,
	}
}

// VerifyConfig is used to verify the sanity of configuration.
func VerifyConfig(config *ServerConfig) error {
	if config == nil {
		return errors.New("nil server config")
	}
	if config.Path == "" {
		return errors.New("socket path must not be empty")
	}
	if len(config.Path) > maxSocketPathLength {
		return fmt.Errorf("socket path is %d bytes, limit is %d", len(config.Path), maxSocketPathLength)
	}
	if config.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", config.Workers)
	}
	if config.QueueHint <= 0 {
		return fmt.Errorf("queue hint must be positive, got %d", config.QueueHint)
	}
	if config.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative, got %s", config.IdleTimeout)
	}
	return nil
}
