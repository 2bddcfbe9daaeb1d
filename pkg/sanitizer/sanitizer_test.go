package sanitizer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &doc))
	return doc
}

func TestSanitizer_Transform(t *testing.T) {
	s := New(nil)

	t.Run("ReplacesMatchingFieldsRecursively", func(t *testing.T) {
		doc := decode(t, `{
			"id": "1",
			"pk": "tenant",
			"FirstName": "Alice",
			"Email": "alice@example.com",
			"profile": {"ssn": "123-45-6789", "nickname": "al"},
			"contacts": [{"phoneNumber": "555-0100"}, {"other": "keep"}]
		}`)
		require.NoError(t, s.Transform(doc, "/pk"))

		assert.Equal(t, "1", doc["id"])
		assert.Equal(t, "tenant", doc["pk"])
		assert.NotEqual(t, "Alice", doc["FirstName"])
		assert.NotEqual(t, "alice@example.com", doc["Email"])

		profile := doc["profile"].(map[string]any)
		assert.NotEqual(t, "123-45-6789", profile["ssn"])
		assert.Regexp(t, `^\d{3}-\d{2}-\d{4}$`, profile["ssn"])
		assert.Equal(t, "al", profile["nickname"])

		contacts := doc["contacts"].([]any)
		assert.NotEqual(t, "555-0100", contacts[0].(map[string]any)["phoneNumber"])
		assert.Equal(t, "keep", contacts[1].(map[string]any)["other"])
	})

	t.Run("NeverTouchesPartitionKey", func(t *testing.T) {
		doc := decode(t, `{"id": "1", "email": "pk@example.com", "name": "n"}`)
		require.NoError(t, s.Transform(doc, "/email"))
		assert.Equal(t, "pk@example.com", doc["email"])
		assert.NotEqual(t, "n", doc["name"])
	})

	t.Run("NestedPartitionKeyParentIsWalkedNotReplaced", func(t *testing.T) {
		doc := decode(t, `{"id": "1", "address": {"city": "Paris", "street": "1 rue"}}`)
		require.NoError(t, s.Transform(doc, "/address/city"))

		address, ok := doc["address"].(map[string]any)
		require.True(t, ok, "address must stay an object")
		assert.Equal(t, "Paris", address["city"])
		assert.NotEqual(t, "1 rue", address["street"])
	})

	t.Run("NestedIdIsSanitizable", func(t *testing.T) {
		custom := New(map[string]Generator{"ID": func() any { return "x" }})
		doc := decode(t, `{"id": "1", "pk": "p", "owner": {"id": "secret"}}`)
		require.NoError(t, custom.Transform(doc, "/pk"))
		assert.Equal(t, "1", doc["id"])
		assert.Equal(t, "x", doc["owner"].(map[string]any)["id"])
	})
}

func TestDefaultFields_Generate(t *testing.T) {
	for name, gen := range DefaultFields {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				v := gen()
				assert.NotNil(t, v)
				_, err := json.Marshal(v)
				assert.NoError(t, err)
			})
		})
	}
}
