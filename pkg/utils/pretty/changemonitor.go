/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pretty holds small logging-ergonomics helpers; the notification
// sink is its user.
package pretty

import (
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
)

// ChangeMonitor reduces log/notification spam for values that may or may
// not have changed since last observed: the notification sink uses it to
// avoid re-sending an identical noop explanation every tick. Recorded values expire after the visibility timeout so a
// long-running process doesn't hold every key it has ever seen forever.
type ChangeMonitor struct {
	lastSeen *cache.Cache
}

// NewChangeMonitor builds a ChangeMonitor with the given visibility
// timeout; a zero timeout defaults to 24h.
func NewChangeMonitor(visibilityTimeout time.Duration) *ChangeMonitor {
	if visibilityTimeout == 0 {
		visibilityTimeout = 24 * time.Hour
	}
	return &ChangeMonitor{
		lastSeen: cache.New(visibilityTimeout, visibilityTimeout/2),
	}
}

// HasChanged takes a key and value and returns true if the hash of the
// value has changed since the last time the change monitor was called
// with this key.
func (c *ChangeMonitor) HasChanged(key string, value any) bool {
	hv, _ := hashstructure.Hash(value, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	existing, ok := c.lastSeen.Get(key)
	var existingHash uint64
	if ok {
		existingHash = existing.(uint64)
	}
	if !ok || existingHash != hv {
		c.lastSeen.SetDefault(key, hv)
		return true
	}
	return false
}
