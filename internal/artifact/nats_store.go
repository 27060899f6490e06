// Package artifact provides the audio artifact stores: a NATS JetStream
// object-store backend for clustered deployments and a local filesystem
// backend for single-node ones, selected per job.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/voicedrop/voicedrop/internal/core"
)

// BackendNATS names the object-store backend in request records.
const BackendNATS = "nats"

// NatsObjectStore implements core.ArtifactStore on a JetStream object store
// bucket.
type NatsObjectStore struct {
	bucket  string
	baseURL string
	store   nats.ObjectStore
}

// NewNatsObjectStore creates the bucket if needed, or binds to it when it
// already exists. publicBaseURL is the prefix under which stored keys are
// reachable by clients (the download surface streams them).
func NewNatsObjectStore(
	jetstreamContext nats.JetStreamContext,
	bucketName string,
	publicBaseURL string,
) (*NatsObjectStore, error) {
	// Create-first; bind when the bucket already exists.
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Audio artifacts for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			store, err = jetstreamContext.ObjectStore(bucketName)
			if err != nil {
				return nil, fmt.Errorf("failed to bind to existing artifact bucket '%s': %w", bucketName, err)
			}
		} else {
			return nil, fmt.Errorf("failed to create artifact bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket:  bucketName,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		store:   store,
	}, nil
}

// Name identifies this backend in request records.
func (n *NatsObjectStore) Name() string {
	return BackendNATS
}

// Upload saves audio bytes under the given key.
func (n *NatsObjectStore) Upload(_ context.Context, key string, data []byte) error {
	reader := bytes.NewReader(data)

	_, err := n.store.Put(&nats.ObjectMeta{Name: key}, reader)
	if err != nil {
		return fmt.Errorf("failed to put artifact '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// Download retrieves audio bytes stored under the given key.
func (n *NatsObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read artifact '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close artifact '%s': %w", key, closeErr)
	}

	return data, nil
}

// URL returns the durable client-facing URL for a stored key.
func (n *NatsObjectStore) URL(key string) string {
	return n.baseURL + "/" + key
}

// Registry resolves the artifact backend recorded on a request back to its
// store, so the download surface streams from wherever the worker wrote.
type Registry struct {
	stores map[string]core.ArtifactStore
}

// NewRegistry indexes the given stores by backend name.
func NewRegistry(stores ...core.ArtifactStore) *Registry {
	indexed := make(map[string]core.ArtifactStore, len(stores))
	for _, store := range stores {
		indexed[store.Name()] = store
	}

	return &Registry{stores: indexed}
}

// Get returns the store registered under the given backend name.
func (r *Registry) Get(name string) (core.ArtifactStore, error) {
	store, ok := r.stores[name]
	if !ok {
		return nil, fmt.Errorf("artifact backend '%s': %w", name, core.ErrNotFound)
	}

	return store, nil
}

// Select returns the remote store when useRemote is set and the local one
// otherwise, falling back to whichever backend is registered when only one is.
func (r *Registry) Select(useRemote bool) (core.ArtifactStore, error) {
	preferred := BackendFS
	if useRemote {
		preferred = BackendNATS
	}

	store, err := r.Get(preferred)
	if err == nil {
		return store, nil
	}

	if len(r.stores) == 1 {
		for _, only := range r.stores {
			return only, nil
		}
	}

	return nil, err
}
