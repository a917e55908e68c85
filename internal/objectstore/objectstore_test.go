package objectstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeGateway() *httptest.Server {
	g := &fakeGateway{objects: make(map[string][]byte)}
	mux := http.NewServeMux()

	mux.HandleFunc("/put", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Files map[string]string `json:"files"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		var all []byte
		for _, v := range body.Files {
			decoded, _ := base64.StdEncoding.DecodeString(v)
			all = append(all, decoded...)
		}
		id := fmt.Sprintf("cid-%d", len(all))

		g.mu.Lock()
		g.objects[id] = all
		g.mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]string{"content_id": id})
	})

	mux.HandleFunc("/exists/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/exists/"):]
		g.mu.Lock()
		_, ok := g.objects[id]
		g.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]bool{"exists": ok})
	})

	mux.HandleFunc("/get/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/get/"):]
		g.mu.Lock()
		data, ok := g.objects[id]
		g.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	})

	mux.HandleFunc("/pin/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return httptest.NewServer(mux)
}

func TestPutIsIdempotentByContent(t *testing.T) {
	srv := newFakeGateway()
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), []string{srv.URL})
	files := []File{{Path: "a.json", Data: []byte(`{"x":1}`)}}

	id1, err := c.Put(context.Background(), files)
	require.NoError(t, err)
	id2, err := c.Put(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestExistsAfterPut(t *testing.T) {
	srv := newFakeGateway()
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), []string{srv.URL})
	files := []File{{Path: "a.json", Data: []byte(`hello`)}}

	id, err := c.Put(context.Background(), files)
	require.NoError(t, err)

	ok, err := c.Exists(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExistsFalseForUnknownID(t *testing.T) {
	srv := newFakeGateway()
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), []string{srv.URL})
	ok, err := c.Exists(context.Background(), "cid-missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealthCheckReportsReachability(t *testing.T) {
	srv := newFakeGateway()
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), []string{srv.URL})
	ok, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDigestStableAcrossCalls(t *testing.T) {
	files := []File{{Path: "a", Data: []byte("x")}, {Path: "b", Data: []byte("y")}}
	assert.Equal(t, Digest(files), Digest(files))
}

func TestDigestChangesWithContent(t *testing.T) {
	f1 := []File{{Path: "a", Data: []byte("x")}}
	f2 := []File{{Path: "a", Data: []byte("y")}}
	assert.NotEqual(t, Digest(f1), Digest(f2))
}
