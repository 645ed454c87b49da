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

package secrets_test

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cluster-autoscaler/autoscaler/pkg/secrets"
)

type fakeSecretsClient struct {
	calls  int
	values map[string]string
}

func (f *fakeSecretsClient) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, fmt.Errorf("secret not found")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

var _ = Describe("Store", func() {
	It("caches a secret after the first fetch", func() {
		client := &fakeSecretsClient{values: map[string]string{"join-token": "tok-123"}}
		store := secrets.NewStore(client)

		v1, err := store.Get(context.Background(), "join-token")
		Expect(err).NotTo(HaveOccurred())
		Expect(v1).To(Equal("tok-123"))

		v2, err := store.Get(context.Background(), "join-token")
		Expect(err).NotTo(HaveOccurred())
		Expect(v2).To(Equal("tok-123"))
		Expect(client.calls).To(Equal(1))
	})

	It("re-fetches after Invalidate", func() {
		client := &fakeSecretsClient{values: map[string]string{"webhook": "https://example/one"}}
		store := secrets.NewStore(client)

		_, err := store.Get(context.Background(), "webhook")
		Expect(err).NotTo(HaveOccurred())

		client.values["webhook"] = "https://example/two"
		store.Invalidate("webhook")

		v, err := store.Get(context.Background(), "webhook")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal("https://example/two"))
		Expect(client.calls).To(Equal(2))
	})
})
