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

package clustermetrics_test

import (
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cluster-autoscaler/autoscaler/pkg/clustermetrics"
)

var _ = Describe("Metrics", func() {
	It("registers and increments independently of any global registry", func() {
		m := clustermetrics.New()
		m.ScaleUpTotal.WithLabelValues("prod", "CRIT_PENDING").Inc()
		m.ObserveTick("prod", 2*time.Second)
		m.WorkerCount.WithLabelValues("prod").Set(5)

		Expect(testutil.ToFloat64(m.ScaleUpTotal.WithLabelValues("prod", "CRIT_PENDING"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.WorkerCount.WithLabelValues("prod"))).To(Equal(5.0))

		families, err := m.Registry.Gather()
		Expect(err).NotTo(HaveOccurred())
		Expect(families).NotTo(BeEmpty())
	})
})
