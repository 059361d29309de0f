package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathID(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/migrations/42", nil)
	r.SetPathValue("id", "42")

	id, err := pathID(r)
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
}

func TestPathIDRejectsNonNumeric(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/migrations/abc", nil)
	r.SetPathValue("id", "abc")

	_, err := pathID(r)
	require.Error(t, err)
}
