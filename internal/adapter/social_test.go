package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enricher/internal/config"
	"github.com/sells-group/lead-enricher/internal/resilience"
)

func TestDefaultPlatforms(t *testing.T) {
	assert.Len(t, DefaultPlatforms, 28)
	for name, tmpl := range DefaultPlatforms {
		assert.Contains(t, tmpl, "%s", name)
	}
}

func TestSocialAdapter_Lookup(t *testing.T) {
	var userAgent atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.UserAgent())
		switch r.URL.Path {
		case "/github/jane", "/medium/@jane":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	a := NewSocialAdapter(config.SocialConfig{UserAgent: "lead-enricher-test"}, WithPlatforms(map[string]string{
		"GitHub":  ts.URL + "/github/%s",
		"Medium":  ts.URL + "/medium/@%s",
		"Twitter": ts.URL + "/twitter/%s",
	}))
	assert.Equal(t, "social", a.Name())

	f, err := a.Lookup(context.Background(), "jane@acme.com")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"GitHub": ts.URL + "/github/jane",
		"Medium": ts.URL + "/medium/@jane",
	}, f["profiles"])
	assert.Equal(t, 2, f["profile_count"])
	assert.Empty(t, f["failed_checks"])
	assert.Equal(t, "lead-enricher-test", userAgent.Load())
}

func TestSocialAdapter_PartialFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewSocialAdapter(config.SocialConfig{}, WithPlatforms(map[string]string{
		"GitHub": ts.URL + "/%s",
		"Broken": "http://127.0.0.1:1/%s",
	}))

	f, err := a.Lookup(context.Background(), "acme.com")
	require.NoError(t, err)
	assert.Equal(t, 1, f["profile_count"])
	assert.Equal(t, []string{"Broken"}, f["failed_checks"])
}

func TestSocialAdapter_AllProbesFailIsTransient(t *testing.T) {
	a := NewSocialAdapter(config.SocialConfig{}, WithPlatforms(map[string]string{
		"A": "http://127.0.0.1:1/a/%s",
		"B": "http://127.0.0.1:1/b/%s",
	}))

	_, err := a.Lookup(context.Background(), "jane@acme.com")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "all 2 probes failed")
}

func TestSocialAdapter_EscapesUsername(t *testing.T) {
	var gotPath atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.EscapedPath())
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	a := NewSocialAdapter(config.SocialConfig{}, WithPlatforms(map[string]string{"X": ts.URL + "/u/%s"}))
	_, err := a.Lookup(context.Background(), "a/b@acme.com")
	require.NoError(t, err)
	assert.Equal(t, "/u/a%2Fb", gotPath.Load())
}

func TestSocialAdapter_RateLimited(t *testing.T) {
	a := NewSocialAdapter(config.SocialConfig{RequestsPerSecond: 2})
	require.NotNil(t, a.limiter)
	assert.Equal(t, 2, a.limiter.Burst())
}

func TestSelectPlatforms(t *testing.T) {
	assert.Len(t, selectPlatforms(nil), 28)
	got := selectPlatforms([]string{"GitHub", "Nope"})
	assert.Equal(t, map[string]string{"GitHub": "https://github.com/%s"}, got)
}
