// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects [Real]; tests inject [Fake] and advance time explicitly.
//
// The relay uses the clock in exactly one hot spot: the reconnect
// backoff of topic stream tasks. Keeping that wait behind an
// interface lets the stream tests drive a dozen reconnect cycles in
// microseconds instead of sleeping through real backoff windows.
package clock
