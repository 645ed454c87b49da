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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cluster-autoscaler/autoscaler/pkg/config"
)

// validConfig returns a Config that satisfies every struct-tag and
// cross-field invariant, so individual tests can mutate a single field
// and see exactly one invariant fail.
func validConfig() config.Config {
	return config.Config{
		ClusterID:            "c1",
		MinWorkers:           2,
		MaxWorkers:           10,
		TickInterval:         time.Minute,
		CooldownUp:           5 * time.Minute,
		CooldownDown:         10 * time.Minute,
		JoinDeadline:         2 * time.Minute,
		DrainTimeout:         5 * time.Minute,
		LockTTL:              5 * time.Minute,
		TickDeadline:         30 * time.Second,
		MetricsQueryDeadline: 10 * time.Second,
		CPUUpPct:             70, CPUDownPct: 30,
		MemUpPct: 80, MemDownPct: 40,
		UrgencyCPUPct: 95, UrgencyPending: 10,
		SustainedSamples: 2, HistorySize: 10,
		SpotPercentage: 50,
		QueueDepthHigh: 100, QueueDepthLow: 10,
		Zones:            []string{"a", "b"},
		AWSRegion:        "us-east-1",
		LaunchTemplateID: "lt-1",
		StateTableName:   "state",
		HistoryTableName: "history",
		JoinTokenSecretName: "join-token",
		MetricsBaseURL:   "http://prometheus:9090",
		LogLevel:         "info",
	}
}

func writeYAML(dir, name, contents string) string {
	path := filepath.Join(dir, name)
	Expect(os.WriteFile(path, []byte(contents), 0o600)).To(Succeed())
	return path
}

var _ = Describe("Validate", func() {
	It("accepts a fully-populated, internally consistent config", func() {
		Expect(validConfig().Validate()).To(Succeed())
	})

	It("rejects max_workers not greater than min_workers", func() {
		c := validConfig()
		c.MaxWorkers = c.MinWorkers
		Expect(c.Validate()).To(HaveOccurred())
	})

	It("rejects cpu_down_pct at or above cpu_up_pct", func() {
		c := validConfig()
		c.CPUDownPct = c.CPUUpPct
		Expect(c.Validate()).To(HaveOccurred())
	})

	It("rejects tick_interval not less than cooldown_up", func() {
		c := validConfig()
		c.TickInterval = c.CooldownUp
		Expect(c.Validate()).To(HaveOccurred())
	})

	It("rejects cooldown_up not less than cooldown_down", func() {
		c := validConfig()
		c.CooldownUp = c.CooldownDown
		Expect(c.Validate()).To(HaveOccurred())
	})

	It("rejects a lock_ttl shorter than join_deadline", func() {
		c := validConfig()
		c.LockTTL = c.JoinDeadline - time.Second
		Expect(c.Validate()).To(HaveOccurred())
	})

	It("rejects a tick_deadline not less than lock_ttl", func() {
		c := validConfig()
		c.TickDeadline = c.LockTTL
		Expect(c.Validate()).To(HaveOccurred())
	})

	It("rejects an empty zones list", func() {
		c := validConfig()
		c.Zones = nil
		Expect(c.Validate()).To(HaveOccurred())
	})

	It("rejects a missing cluster_id", func() {
		c := validConfig()
		c.ClusterID = ""
		Expect(c.Validate()).To(HaveOccurred())
	})
})

var _ = Describe("Load", func() {
	It("applies defaults and validates a minimal file overriding only the required fields", func() {
		dir := GinkgoT().TempDir()
		path := writeYAML(dir, "config.yaml", `
cluster_id: c1
zones: [a, b]
aws_region: us-east-1
launch_template_id: lt-1
state_table_name: state
history_table_name: history
join_token_secret_name: join-token
metrics_base_url: http://prometheus:9090
`)
		c, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.MinWorkers).To(Equal(2), "default min_workers must apply")
		Expect(c.TickInterval).To(Equal(2 * time.Minute), "default tick_interval must apply")
		Expect(c.ClusterID).To(Equal("c1"))
	})

	It("fails fast when the file sets an internally inconsistent value", func() {
		dir := GinkgoT().TempDir()
		path := writeYAML(dir, "config.yaml", `
cluster_id: c1
zones: [a]
aws_region: us-east-1
launch_template_id: lt-1
state_table_name: state
history_table_name: history
join_token_secret_name: join-token
metrics_base_url: http://prometheus:9090
tick_interval: 10m
cooldown_up: 5m
`)
		_, err := config.Load(path)
		Expect(err).To(HaveOccurred())
	})

	It("fails on an unreadable config file path", func() {
		_, err := config.Load(filepath.Join(GinkgoT().TempDir(), "does-not-exist.yaml"))
		Expect(err).To(HaveOccurred())
	})
})
