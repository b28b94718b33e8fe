// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package command is the chat control surface: a /sync long-poll
// listener that lets room members manage topic subscriptions with
// messages like
//
//	!ntfy subscribe ntfy.sh/alerts
//	!ntfy unsubscribe ntfy.sh/alerts
//
// (sub and unsub are accepted as aliases). The topic argument must be
// a server/topic pair matching the ntfy server's topic syntax.
//
// Commands are accepted from configured admins, or from senders with
// power level 50 or higher in the room. Successful commands get a
// notice reply and a white check mark reaction; denied or malformed
// commands get a notice explaining why. The listener ignores its own
// events and everything not addressed to its prefix.
package command
