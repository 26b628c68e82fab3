package gronka_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2xai/gronka/pkg/gronka"
	memorystorage "github.com/p2xai/gronka/pkg/gronka/storage/memory"
)

// fakeSender stands in for the chat platform attachment channel.
type fakeSender struct {
	failWith error
	sent     int
	payload  []byte
}

func (f *fakeSender) Send(ctx context.Context, filename string, data []byte) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	f.sent++
	f.payload = append([]byte(nil), data...)
	return fmt.Sprintf("https://chat.example.com/attachments/%s", filename), nil
}

// storedBytes reads an object back out of a backend.
func storedBytes(t *testing.T, store gronka.BlobStore, objectKey string) []byte {
	t.Helper()
	rc, err := store.Download(context.Background(), objectKey)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

// failingStrategy always fails delivery.
type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }
func (failingStrategy) Deliver(ctx context.Context, objectKey string, data []byte, meta gronka.PutMetadata) (*gronka.Delivery, error) {
	return nil, errors.New("backend down")
}

func TestFulfillmentChain(t *testing.T) {
	ctx := context.Background()

	t.Run("inline wins below the threshold", func(t *testing.T) {
		sender := &fakeSender{}
		payload := []byte("small")
		chain := gronka.NewFulfillmentChain(nil,
			gronka.NewInlineStrategy(sender, 1024),
			gronka.NewRemoteStrategy(memorystorage.New()),
		)

		delivery, err := chain.Deliver(ctx, "objects/gif/ab/abc.gif", payload, gronka.PutMetadata{FileName: "abc.gif"})
		require.NoError(t, err)
		assert.Equal(t, gronka.DeliveryInline, delivery.Method)
		assert.Equal(t, 1, sender.sent)
		assert.Equal(t, payload, sender.payload)
	})

	t.Run("oversized artifact falls through to remote", func(t *testing.T) {
		sender := &fakeSender{}
		store := memorystorage.New()
		payload := []byte("way past four bytes")
		chain := gronka.NewFulfillmentChain(nil,
			gronka.NewInlineStrategy(sender, 4),
			gronka.NewRemoteStrategy(store),
		)

		delivery, err := chain.Deliver(ctx, "objects/gif/ab/abc.gif", payload, gronka.PutMetadata{})
		require.NoError(t, err)
		assert.Equal(t, gronka.DeliveryRemote, delivery.Method)
		assert.Zero(t, sender.sent)
		assert.Equal(t, payload, storedBytes(t, store, "objects/gif/ab/abc.gif"))
	})

	t.Run("remote failure falls through to local", func(t *testing.T) {
		sender := &fakeSender{failWith: errors.New("platform down")}
		store := memorystorage.New()
		payload := []byte("bytes")
		chain := gronka.NewFulfillmentChain(nil,
			gronka.NewInlineStrategy(sender, 1024),
			failingStrategy{},
			gronka.NewLocalStrategy(store, "/data/media"),
		)

		delivery, err := chain.Deliver(ctx, "objects/gif/ab/abc.gif", payload, gronka.PutMetadata{})
		require.NoError(t, err)
		assert.Equal(t, gronka.DeliveryLocal, delivery.Method)
		assert.True(t, delivery.Location.IsLocal())
		assert.Equal(t, "/data/media/objects/gif/ab/abc.gif", delivery.Location.Path)
		assert.Equal(t, payload, storedBytes(t, store, "objects/gif/ab/abc.gif"))
	})

	t.Run("delivered bytes are identical on every path", func(t *testing.T) {
		payload := []byte{0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x00, 0xff}

		sender := &fakeSender{}
		inlineChain := gronka.NewFulfillmentChain(nil, gronka.NewInlineStrategy(sender, 1024))
		_, err := inlineChain.Deliver(ctx, "objects/gif/ab/abc.gif", payload, gronka.PutMetadata{})
		require.NoError(t, err)

		remoteStore := memorystorage.New()
		remoteChain := gronka.NewFulfillmentChain(nil, gronka.NewRemoteStrategy(remoteStore))
		_, err = remoteChain.Deliver(ctx, "objects/gif/ab/abc.gif", payload, gronka.PutMetadata{})
		require.NoError(t, err)

		localStore := memorystorage.New()
		localChain := gronka.NewFulfillmentChain(nil, gronka.NewLocalStrategy(localStore, "/data/media"))
		_, err = localChain.Deliver(ctx, "objects/gif/ab/abc.gif", payload, gronka.PutMetadata{})
		require.NoError(t, err)

		assert.Equal(t, payload, sender.payload)
		assert.Equal(t, payload, storedBytes(t, remoteStore, "objects/gif/ab/abc.gif"))
		assert.Equal(t, payload, storedBytes(t, localStore, "objects/gif/ab/abc.gif"))
	})

	t.Run("total exhaustion surfaces as upload failure", func(t *testing.T) {
		chain := gronka.NewFulfillmentChain(nil, failingStrategy{}, failingStrategy{})

		_, err := chain.Deliver(ctx, "objects/gif/ab/abc.gif", []byte("bytes"), gronka.PutMetadata{})
		assert.ErrorIs(t, err, gronka.ErrUploadFailed)
	})

	t.Run("no strategies configured is an upload failure", func(t *testing.T) {
		chain := gronka.NewFulfillmentChain(nil)
		_, err := chain.Deliver(ctx, "key", []byte("bytes"), gronka.PutMetadata{})
		assert.ErrorIs(t, err, gronka.ErrUploadFailed)
	})
}

func TestFulfillmentChainExists(t *testing.T) {
	ctx := context.Background()
	store := memorystorage.New()
	chain := gronka.NewFulfillmentChain(nil, gronka.NewRemoteStrategy(store))

	exists, err := chain.Exists(ctx, "objects/gif/ab/abc.gif")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = chain.Deliver(ctx, "objects/gif/ab/abc.gif", []byte("bytes"), gronka.PutMetadata{})
	require.NoError(t, err)

	exists, err = chain.Exists(ctx, "objects/gif/ab/abc.gif")
	require.NoError(t, err)
	assert.True(t, exists)
}
