// Copyright 2023 The emqx-go Authors
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

package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client commands.
const (
	CmdSubscribe = "sub"
)

var (
	// ErrUnknownCommand is returned for a well-formed frame whose cmd is not
	// recognized.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMissingTopic is returned for a sub command without a topic.
	ErrMissingTopic = errors.New("missing topic")
)

// Command is a control message sent by the client as a JSON text frame,
// for example {"cmd":"sub","topic":"room1/temp"}.
type Command struct {
	Cmd   string `json:"cmd"`
	Topic string `json:"topic"`
}

// ParseCommand decodes and validates a client frame.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid command: %w", err)
	}
	switch cmd.Cmd {
	case CmdSubscribe:
		if cmd.Topic == "" {
			return Command{}, ErrMissingTopic
		}
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Cmd)
	}
}
