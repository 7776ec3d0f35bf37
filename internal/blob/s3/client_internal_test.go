package s3blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio.local:9000", normaliseEndpoint("https://minio.local:9000", false))
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
}

func TestObjectKey(t *testing.T) {
	c := &Client{prefix: cleanPrefix("/dayauction/")}
	assert.Equal(t, "dayauction/runs/a.json", c.objectKey("/runs/a.json"))

	bare := &Client{prefix: cleanPrefix("")}
	assert.Equal(t, "runs/a.json", bare.objectKey("runs/a.json"))
}
