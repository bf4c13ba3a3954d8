package tiledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURIBasic(t *testing.T) {
	u, err := ParseURI("s3://my-bucket/ws/array1")
	require.NoError(t, err)
	assert.Equal(t, "s3", u.Scheme)
	assert.Equal(t, "my-bucket", u.Host)
	assert.Equal(t, "/ws/array1", u.Path)
	assert.Equal(t, uint16(0), u.Port)
}

func TestParseURICaseFolding(t *testing.T) {
	u, err := ParseURI("GS://MyBucket/Path")
	require.NoError(t, err)
	assert.Equal(t, "gs", u.Scheme)
	assert.Equal(t, "mybucket", u.Host)
	assert.Equal(t, "/Path", u.Path)
}

func TestParseURIPort(t *testing.T) {
	u, err := ParseURI("hdfs://namenode:9000/data")
	require.NoError(t, err)
	assert.Equal(t, "hdfs", u.Scheme)
	assert.Equal(t, "namenode", u.Host)
	assert.Equal(t, uint16(9000), u.Port)
	assert.Equal(t, "/data", u.Path)
}

func TestParseURIBadPort(t *testing.T) {
	_, err := ParseURI("hdfs://namenode:notaport/data")
	assert.ErrorIs(t, err, ErrInvalidURI)

	_, err = ParseURI("hdfs://namenode:99999/data")
	assert.ErrorIs(t, err, ErrInvalidURI)
}

func TestParseURIQuery(t *testing.T) {
	u, err := ParseURI("azb://container/ws?account=myacct&endpoint=example.com")
	require.NoError(t, err)
	assert.Equal(t, "/ws", u.Path)
	assert.Equal(t, "myacct", u.Query["account"])
	assert.Equal(t, "example.com", u.Query["endpoint"])
}

func TestParseURIQueryDecoding(t *testing.T) {
	u, err := ParseURI("gs://bucket/p?key=a%20b")
	require.NoError(t, err)
	assert.Equal(t, "a b", u.Query["key"])
}

func TestParseURIMalformedQuery(t *testing.T) {
	_, err := ParseURI("gs://bucket/p?novalue")
	assert.ErrorIs(t, err, ErrInvalidURI)

	_, err = ParseURI("gs://bucket/p?=x")
	assert.ErrorIs(t, err, ErrInvalidURI)
}

func TestParseURIRejects(t *testing.T) {
	_, err := ParseURI("")
	assert.ErrorIs(t, err, ErrInvalidURI)

	_, err = ParseURI("/plain/local/path")
	assert.ErrorIs(t, err, ErrInvalidURI)
}

func TestParseAzureURIHostForm(t *testing.T) {
	u, err := ParseAzureURI("az://test@mytest.blob.core.windows.net/ws")
	require.NoError(t, err)
	assert.Equal(t, "mytest", u.Account)
	assert.Equal(t, "test", u.Container)
	assert.Equal(t, "mytest.blob.core.windows.net", u.Endpoint)
	assert.Equal(t, "/ws", u.Path)
}

func TestParseAzureURIQueryForm(t *testing.T) {
	u, err := ParseAzureURI("azb://mycontainer/ws?account=myacct&endpoint=custom.endpoint.net")
	require.NoError(t, err)
	assert.Equal(t, "myacct", u.Account)
	assert.Equal(t, "mycontainer", u.Container)
	assert.Equal(t, "custom.endpoint.net", u.Endpoint)
}

func TestParseAzureURIContainerOnly(t *testing.T) {
	u, err := ParseAzureURI("az://onlycontainer/ws")
	require.NoError(t, err)
	assert.Equal(t, "", u.Account)
	assert.Equal(t, "onlycontainer", u.Container)
}

func TestParseBucketURI(t *testing.T) {
	u, err := ParseBucketURI("s3://bkt/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, "bkt", u.Bucket)

	g, err := ParseBucketURI("gs://gbkt")
	require.NoError(t, err)
	assert.Equal(t, "gbkt", g.Bucket)
	assert.Equal(t, "", g.Path)
}

func TestSlashify(t *testing.T) {
	assert.Equal(t, "/", Slashify(""))
	assert.Equal(t, "a/", Slashify("a"))
	assert.Equal(t, "a/", Slashify("a/"))
	assert.Equal(t, "a", Unslashify("a/"))
	assert.Equal(t, "a", Unslashify("a"))
	assert.Equal(t, "", Unslashify(""))
	assert.Equal(t, "a/b", AppendPaths("a", "b"))
	assert.Equal(t, "a/b", AppendPaths("a/", "b"))
}
