package main

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPercentile(t *testing.T) {
	var d []time.Duration
	for i := 1; i <= 100; i++ {
		d = append(d, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 50*time.Millisecond, percentile(d, 50))
	assert.Equal(t, 95*time.Millisecond, percentile(d, 95))
	assert.Equal(t, 100*time.Millisecond, percentile(d, 100))
	assert.Equal(t, time.Millisecond, percentile(d, 0))
	assert.Zero(t, percentile(nil, 50))
}

func TestFormatOutcomes(t *testing.T) {
	assert.Equal(t, "batch:assigned=3,fallback:capacity_race_lost=1",
		formatOutcomes(map[string]int{"fallback:capacity_race_lost": 1, "batch:assigned": 3}))
}

func TestJitterStaysInSquare(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 1000; i++ {
		lat, lng := jitter(rng, 25.0, 121.5, 1.0)
		assert.InDelta(t, 25.0, lat, 1.0/111.195+1e-9)
		assert.InDelta(t, 121.5, lng, 1.0/(111.195*0.9063)+1e-6)
	}
}

func TestDuplicateUser(t *testing.T) {
	var first atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if first.CompareAndSwap(false, true) {
			json.NewEncoder(w).Encode(map[string]any{"success": true}) //nolint:errcheck
			return
		}
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	r := NewRunner(Config{BaseURL: srv.URL, Concurrency: 5})
	res := duplicateUser(context.Background(), r, srv.URL)
	assert.Equal(t, "PASS", res.Status, res.Note)
}

func TestAllocationLoad(t *testing.T) {
	var released atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			released.Add(1)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "path": "batch"}) //nolint:errcheck
	}))
	defer srv.Close()

	r := NewRunner(Config{BaseURL: srv.URL, Concurrency: 4, Duration: 100 * time.Millisecond, SpreadKm: 1, Lat: 25, Lng: 121.5})
	res := allocationLoad(context.Background(), r, srv.URL+"/api/alerts/a/allocations")
	assert.Equal(t, "PASS", res.Status)
	assert.Contains(t, res.Note, "batch:assigned=")
	assert.Positive(t, released.Load())
}
