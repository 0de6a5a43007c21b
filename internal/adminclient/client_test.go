package adminclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/adgate/internal/domain"
)

func TestClient_Moderate(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/listings/ad-1/moderation", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(domain.Decision{ListingID: "ad-1", Status: domain.StatusActive, Action: domain.ActionManuallyApproved})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "mod-1")
	d, err := c.Moderate(context.Background(), "ad-1", "approve", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, d.Status)
	assert.Equal(t, map[string]string{"moderator": "mod-1", "action": "approve", "reason": "looks fine"}, got)
}

func TestClient_HistoryAndReset(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /listings/{id}/attempts", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.AttemptHistory{
			ListingID:         r.PathValue("id"),
			Status:            domain.StatusNeedsReview,
			Attempts:          []domain.AttemptRecord{{ID: "r1", Action: domain.ActionAutoRejected}},
			QualifyingCount:   1,
			RemainingAttempts: 2,
		})
	})
	mux.HandleFunc("POST /listings/{id}/attempts/reset", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"listing_id":"ad-2","archived":4}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "mod-1")
	h, err := c.History(context.Background(), "ad-2")
	require.NoError(t, err)
	assert.Equal(t, "ad-2", h.ListingID)
	assert.Equal(t, 2, h.RemainingAttempts)
	require.Len(t, h.Attempts, 1)

	n, err := c.ResetAttempts(context.Background(), "ad-2")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"Conflict","message":"invalid status transition"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "mod-1").Evaluate(context.Background(), "ad-3")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "Conflict", apiErr.Type)
	assert.Contains(t, err.Error(), "invalid status transition")
}

func TestClient_RequiresModerator(t *testing.T) {
	c := NewClient("", "")
	_, err := c.Moderate(context.Background(), "ad-1", "reject", "")
	assert.Error(t, err)
	_, err = c.ResetAttempts(context.Background(), "ad-1")
	assert.Error(t, err)
}
