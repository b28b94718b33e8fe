// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is the subscription operation a command requests.
type Action int

const (
	ActionSubscribe Action = iota
	ActionUnsubscribe
)

func (a Action) String() string {
	switch a {
	case ActionSubscribe:
		return "subscribe"
	case ActionUnsubscribe:
		return "unsubscribe"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Command is one parsed subscription command.
type Command struct {
	Action Action
	Server string
	Topic  string
}

// topicPattern validates the server/topic argument. The server part is
// dot-separated DNS labels; the topic part follows the ntfy server's
// topic syntax (alphanumerics, underscore, hyphen, up to 64 chars).
var topicPattern = regexp.MustCompile(
	`^((?:[a-zA-Z0-9-]{1,63}\.)+[a-zA-Z]{2,6})/([a-zA-Z0-9_-]{1,64})$`)

// Parse interprets a room message body. ok is false when the body is
// not addressed to "!<prefix>" at all: not a command, ignore it. When
// ok is true but the command is malformed, reply carries the
// user-facing correction to send back.
func Parse(prefix, body string) (cmd Command, ok bool, reply string) {
	fields := strings.Fields(body)
	if len(fields) == 0 || fields[0] != "!"+prefix {
		return Command{}, false, ""
	}

	usage := fmt.Sprintf("Usage: !%s <subscribe|unsubscribe> <server/topic>", prefix)
	if len(fields) != 3 {
		return Command{}, true, usage
	}

	switch fields[1] {
	case "subscribe", "sub":
		cmd.Action = ActionSubscribe
	case "unsubscribe", "unsub":
		cmd.Action = ActionUnsubscribe
	default:
		return Command{}, true, usage
	}

	match := topicPattern.FindStringSubmatch(fields[2])
	if match == nil {
		return Command{}, true, fmt.Sprintf(
			"Invalid topic %q, expected server/topic like ntfy.sh/mytopic", fields[2])
	}
	cmd.Server = match[1]
	cmd.Topic = match[2]
	return cmd, true, ""
}
