package service

import (
	"context"
	"errors"
	"testing"

	"github.com/raphaelgruber/batchgen/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBatchValidation(t *testing.T) {
	tests := []struct {
		name  string
		in    CreateBatchInput
		field string
	}{
		{"no prompts", CreateBatchInput{}, "prompts"},
		{"blank prompt", CreateBatchInput{Prompts: []string{"a cat", "  "}}, "prompts"},
		{"unknown reference", CreateBatchInput{Prompts: []string{"a"}, ReferenceImageID: "nope"}, "referenceImageId"},
		{"reference required", CreateBatchInput{Prompts: []string{"a"}, RequiresReference: true}, "referenceImageId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, GeneratorOptions{})
			_, err := f.batches.Create(context.Background(), tt.in)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)

			list, err := f.batches.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, list, "nothing written")
		})
	}
}

func TestCreateBatchDefaults(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	name := "cats"
	batch, err := f.batches.Create(context.Background(), CreateBatchInput{
		Name:                &name,
		Prompts:             []string{"a cat", "a kitten"},
		ImageCountPerPrompt: 0,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, batch.Status)
	assert.Equal(t, 1, batch.ImageCountPerPrompt, "count defaults to 1")
	require.NotNil(t, batch.Name)
	assert.Equal(t, "cats", *batch.Name)
	require.Len(t, batch.Prompts, 2)
	assert.Equal(t, "a cat", batch.Prompts[0].Text)
	assert.Equal(t, 1, batch.Prompts[1].Position)
	assert.Empty(t, f.store.StatusWrites, "creation does not write status")
}

func TestCreateBatchWithReference(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	refID, refKey := f.upload(t)

	batch, err := f.batches.Create(context.Background(), CreateBatchInput{
		Prompts:             []string{"a cat"},
		ReferenceImageID:    refID,
		ImageCountPerPrompt: 3,
	})
	require.NoError(t, err)
	require.NotNil(t, batch.PrimaryReference())
	assert.Equal(t, refKey, batch.PrimaryReference().StorageKey)
	assert.Equal(t, 3, batch.ImageTotal())
}

func TestGetBatchNotFound(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	_, err := f.batches.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteBatch(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	id := f.create(t, CreateBatchInput{Prompts: []string{"a", "b"}, ImageCountPerPrompt: 2})
	_, err := f.run(t, id)
	require.NoError(t, err)

	var keys []string
	for _, p := range f.store.Batch(id).Prompts {
		for _, img := range p.GeneratedImages {
			keys = append(keys, img.StorageKey)
		}
	}
	require.Len(t, keys, 4)

	require.NoError(t, f.batches.Delete(context.Background(), id))

	_, err = f.batches.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, key := range keys {
		assert.False(t, f.objects.Has(testBuckets.Generated, key), "object %s removed", key)
	}
}

func TestDeleteBatchStorageCleanupIsBestEffort(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	id := f.create(t, CreateBatchInput{Prompts: []string{"a"}})
	_, err := f.run(t, id)
	require.NoError(t, err)
	f.objects.FailDelete = errors.New("storage offline")

	require.NoError(t, f.batches.Delete(context.Background(), id))
	_, err = f.batches.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, f.objects.Deletes, 1)
}

func TestDeleteBatchErrors(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})

	err := f.batches.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	id := f.create(t, CreateBatchInput{Prompts: []string{"a"}})
	_, err = f.gen.Begin(context.Background(), id, "tok")
	require.NoError(t, err)

	err = f.batches.Delete(context.Background(), id)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.NotNil(t, f.store.Batch(id), "locked batch kept")
}

func TestRerunBatch(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	refID, _ := f.upload(t)
	srcID := f.create(t, CreateBatchInput{
		Prompts:             []string{"one", "two", "three"},
		ReferenceImageID:    refID,
		ImageCountPerPrompt: 2,
		RequiresReference:   true,
	})
	f.images.FailPrompts = map[string]error{"two": errors.New("boom")}
	_, err := f.run(t, srcID)
	require.Error(t, err)
	before := f.store.Batch(srcID)

	rerun, err := f.batches.Rerun(context.Background(), srcID)
	require.NoError(t, err)

	rerunID := models.MustRecordIDString(rerun.ID)
	assert.NotEqual(t, srcID, rerunID)
	assert.Equal(t, models.StatusPending, rerun.Status)
	assert.Equal(t, 2, rerun.ImageCountPerPrompt)
	assert.True(t, rerun.RequiresReference)

	require.Len(t, rerun.Prompts, 3)
	for i, p := range rerun.Prompts {
		assert.Equal(t, before.Prompts[i].Text, p.Text)
		assert.Empty(t, p.GeneratedImages)
	}
	require.Len(t, rerun.ReferenceImages, 1)
	assert.Equal(t, refID, models.MustRecordIDString(rerun.ReferenceImages[0].ID))

	after := f.store.Batch(srcID)
	assert.Equal(t, before.Status, after.Status, "original batch untouched")
	assert.Equal(t, before.Prompts, after.Prompts)
}

func TestRerunUnknownBatch(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	_, err := f.batches.Rerun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
