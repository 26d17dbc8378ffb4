package configschema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_UsesConfigKeys(t *testing.T) {
	schema, err := Build(nil)
	require.NoError(t, err)

	for _, key := range []string{"service", "http", "object_storage", "tasks", "newsletter", "crud"} {
		assert.Contains(t, schema.Properties, key)
	}
	assert.NotContains(t, schema.Properties, "ObjectStorage")

	tasks := schema.Properties["tasks"]
	require.NotNil(t, tasks)
	require.Contains(t, tasks.Properties, "worker")
	assert.Contains(t, tasks.Properties["worker"].Properties, "visibility_timeout")
}

func TestBuild_InjectsDefaults(t *testing.T) {
	schema, err := Build(nil)
	require.NoError(t, err)

	crud := schema.Properties["crud"]
	assert.JSONEq(t, `50`, string(crud.Properties["batch_size"].Default))

	http := schema.Properties["http"]
	assert.JSONEq(t, `"15s"`, string(http.Properties["shutdown_timeout"].Default))
	assert.Equal(t, "string", http.Properties["shutdown_timeout"].Type)

	assert.Empty(t, schema.Required, "every root section has defaults")
}

func TestBuild_HidesSecretDefaults(t *testing.T) {
	schema, err := Build(nil)
	require.NoError(t, err)
	auth := schema.Properties["auth"]
	assert.Nil(t, auth.Properties["secret"].Default)

	raw, err := json.Marshal(schema)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"title":"places configuration"`)
}

func TestToSnakeCase(t *testing.T) {
	assert.Equal(t, "http", toSnakeCase("HTTP"))
	assert.Equal(t, "worker", toSnakeCase("Worker"))
	assert.Equal(t, "max_page_size", toSnakeCase("MaxPageSize"))
	assert.Equal(t, "crud", toSnakeCase("CRUD"))
}
