package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type document struct {
	OpenAPI string                    `yaml:"openapi"`
	Paths   map[string]map[string]any `yaml:"paths"`
}

func TestOpenAPISpec(t *testing.T) {
	require.NotEmpty(t, OpenAPISpec)

	var doc document
	require.NoError(t, yaml.Unmarshal(OpenAPISpec, &doc))
	assert.Equal(t, "3.1.0", doc.OpenAPI)

	routes := map[string][]string{
		"/health":                             {"get"},
		"/openapi.yaml":                       {"get"},
		"/v1/circles":                         {"get", "post"},
		"/v1/circles/{id}":                    {"get", "delete"},
		"/v1/circles/{id}/members":            {"get", "post"},
		"/v1/circles/{id}/members/{agent_id}": {"delete"},
		"/v1/circles/{id}/route":              {"post"},
		"/v1/circles/{id}/tasks":              {"post"},
		"/v1/agents/{id}":                     {"get"},
		"/v1/agents/{id}/active":              {"post"},
		"/v1/tasks":                           {"get"},
		"/v1/tasks/{id}":                      {"get"},
		"/v1/tasks/{id}/assign":               {"post"},
		"/v1/tasks/{id}/status":               {"post"},
		"/v1/tasks/{id}/route":                {"post"},
		"/v1/events":                          {"get"},
		"/v1/events/stats":                    {"get"},
		"/v1/subscribe":                       {"get"},
	}
	for path, methods := range routes {
		item, ok := doc.Paths[path]
		if !assert.True(t, ok, "path %s is not documented", path) {
			continue
		}
		for _, m := range methods {
			op, ok := item[m].(map[string]any)
			if assert.True(t, ok, "%s %s is not documented", m, path) {
				assert.NotEmpty(t, op["operationId"], "%s %s has no operationId", m, path)
			}
		}
	}
}
