package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/raphaelgruber/batchgen/internal/expand"
	"github.com/raphaelgruber/batchgen/internal/fakes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadReference(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	f.refs.now = func() time.Time { return time.UnixMilli(1700000000123) }

	ref, err := f.refs.Upload(context.Background(), "my photo.png", "image/png", []byte("bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref.StorageKey, "1700000000123-"), ref.StorageKey)
	assert.Equal(t, testBuckets.Reference+"/"+ref.StorageKey, ref.URL)
	assert.Equal(t, "image/png", ref.MIMEType)
	assert.True(t, f.objects.Has(testBuckets.Reference, ref.StorageKey))
}

func TestUploadReferenceSniffsContentType(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	png := []byte("\x89PNG\r\n\x1a\n0000")

	ref, err := f.refs.Upload(context.Background(), "x", "", png)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ref.MIMEType)
}

func TestUploadReferenceRejectsNonImages(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})

	for _, ct := range []string{"text/html", "image/svg+xml", "application/pdf", "not a type", ""} {
		_, err := f.refs.Upload(context.Background(), "x", ct, []byte("<html><body>hi</body></html>"))

		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "content type %q", ct)
		assert.Equal(t, "file", verr.Field)
	}
	assert.Zero(t, f.objects.Puts)
}

func TestUploadReferenceStripsParameters(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})

	ref, err := f.refs.Upload(context.Background(), "x.jpg", "image/jpeg; name=x.jpg", []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", ref.MIMEType)
}

func TestUploadReferenceRequiresFile(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	_, err := f.refs.Upload(context.Background(), "empty.png", "image/png", nil)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "file", verr.Field)
	assert.Zero(t, f.objects.Puts)
}

func TestLoadReferenceByKey(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	_, key := f.upload(t)

	data, err := f.refs.LoadByKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("reference-bytes"), data.Data)
	assert.Equal(t, "image/png", data.MIMEType)

	_, err = f.refs.LoadByKey(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpandPrompts(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	_, key := f.upload(t)
	expander := &fakes.Expander{}
	svc := NewPromptService(expander, f.refs)

	exp, err := svc.Expand(context.Background(), "  foxes in snow ", 0, key)
	require.NoError(t, err)
	assert.Len(t, exp.Prompts, expand.DefaultCount)

	require.Len(t, expander.Requests, 1)
	req := expander.Requests[0]
	assert.Equal(t, "foxes in snow", req.MegaPrompt)
	assert.Equal(t, expand.DefaultCount, req.Count)
	require.NotNil(t, req.Reference)
	assert.Equal(t, []byte("reference-bytes"), req.Reference.Data)
}

func TestExpandPromptsUnknownReferenceIsSkipped(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	expander := &fakes.Expander{}
	svc := NewPromptService(expander, f.refs)

	exp, err := svc.Expand(context.Background(), "foxes", 2, "missing-key")
	require.NoError(t, err)
	assert.Len(t, exp.Prompts, 2)
	assert.Nil(t, expander.Requests[0].Reference)
}

func TestExpandPromptsErrors(t *testing.T) {
	svc := NewPromptService(&fakes.Expander{}, nil)
	_, err := svc.Expand(context.Background(), "   ", 3, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "megaPrompt", verr.Field)

	failing := NewPromptService(&fakes.Expander{Err: expand.ErrEmptyExpansion}, nil)
	_, err = failing.Expand(context.Background(), "foxes", 3, "")
	assert.ErrorIs(t, err, expand.ErrEmptyExpansion)
	assert.False(t, errors.As(err, &verr))
}
