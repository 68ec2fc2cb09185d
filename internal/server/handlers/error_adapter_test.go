package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobvault/pkg/jobstore"
)

func TestErrorResponder(t *testing.T) {
	t.Cleanup(ResetHTTPErrorResponder)

	t.Run("custom responder receives the error", func(t *testing.T) {
		var got error
		SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		})

		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/j1", nil), jobstore.ErrNotFound)

		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.ErrorIs(t, got, jobstore.ErrNotFound)
	})

	for name, reset := range map[string]func(){
		"nil restores default": func() { SetHTTPErrorResponder(nil) },
		"reset":                ResetHTTPErrorResponder,
	} {
		t.Run(name, func(t *testing.T) {
			SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, _ error) {
				w.WriteHeader(http.StatusTeapot)
			})
			reset()

			rec := httptest.NewRecorder()
			respondWithError(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/j1", nil), jobstore.ErrNotFound)
			require.Equal(t, http.StatusNotFound, rec.Code)

			var body errorBody
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "NOT_FOUND", body.Error.Code)
		})
	}
}
