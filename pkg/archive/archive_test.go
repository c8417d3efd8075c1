package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = input
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.body = data
	return &s3.PutObjectOutput{}, nil
}

func writeResult(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "result.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestStore_UploadsAndReturnsRef(t *testing.T) {
	client := &fakeS3{}
	a := NewWithClient(client, Config{Bucket: "stratus-results"}, nil)

	ref, err := a.Store(context.Background(), "s-1", writeResult(t, "archive bytes"))
	require.NoError(t, err)
	assert.Equal(t, "s3://stratus-results/sessions/s-1/result.tar.gz", ref)

	require.NotNil(t, client.input)
	assert.Equal(t, "stratus-results", *client.input.Bucket)
	assert.Equal(t, "sessions/s-1/result.tar.gz", *client.input.Key)
	assert.EqualValues(t, len("archive bytes"), *client.input.ContentLength)
	assert.Equal(t, "archive bytes", string(client.body))
}

func TestStore_CustomPrefix(t *testing.T) {
	client := &fakeS3{}
	a := NewWithClient(client, Config{Bucket: "b", Prefix: "team/results"}, nil)

	ref, err := a.Store(context.Background(), "s-2", writeResult(t, "x"))
	require.NoError(t, err)
	assert.Equal(t, "s3://b/team/results/s-2/result.tar.gz", ref)
}

func TestStore_UploadError(t *testing.T) {
	client := &fakeS3{err: errors.New("AccessDenied")}
	a := NewWithClient(client, Config{Bucket: "b"}, nil)

	_, err := a.Store(context.Background(), "s-3", writeResult(t, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestStore_MissingLocalFile(t *testing.T) {
	a := NewWithClient(&fakeS3{}, Config{Bucket: "b"}, nil)
	_, err := a.Store(context.Background(), "s-4", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.NoError(t, (&Config{Bucket: "b"}).Validate())
}
