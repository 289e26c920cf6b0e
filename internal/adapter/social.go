package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-enricher/internal/config"
	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/resilience"
)

// DefaultPlatforms maps platform names to profile URL templates; %s is the
// username.
var DefaultPlatforms = map[string]string{
	"Twitter":       "https://twitter.com/%s",
	"GitHub":        "https://github.com/%s",
	"Instagram":     "https://www.instagram.com/%s",
	"Facebook":      "https://www.facebook.com/%s",
	"LinkedIn":      "https://www.linkedin.com/in/%s",
	"YouTube":       "https://www.youtube.com/%s",
	"Reddit":        "https://www.reddit.com/user/%s",
	"TikTok":        "https://www.tiktok.com/@%s",
	"Pinterest":     "https://www.pinterest.com/%s",
	"Tumblr":        "https://%s.tumblr.com",
	"Medium":        "https://medium.com/@%s",
	"Snapchat":      "https://www.snapchat.com/add/%s",
	"Quora":         "https://www.quora.com/profile/%s",
	"Flickr":        "https://www.flickr.com/people/%s",
	"Vimeo":         "https://vimeo.com/%s",
	"SoundCloud":    "https://soundcloud.com/%s",
	"Dribbble":      "https://dribbble.com/%s",
	"Behance":       "https://www.behance.net/%s",
	"DeviantArt":    "https://www.deviantart.com/%s",
	"Goodreads":     "https://www.goodreads.com/%s",
	"StackOverflow": "https://stackoverflow.com/users/%s",
	"Kaggle":        "https://www.kaggle.com/%s",
	"Twitch":        "https://www.twitch.tv/%s",
	"Patreon":       "https://www.patreon.com/%s",
	"WeHeartIt":     "https://weheartit.com/%s",
	"Wattpad":       "https://www.wattpad.com/user/%s",
	"Strava":        "https://www.strava.com/athletes/%s",
	"Bandcamp":      "https://bandcamp.com/%s",
}

// socialProbeConcurrency bounds in-flight probes per lookup.
const socialProbeConcurrency = 8

// SocialAdapter probes public profile URLs for the lead's username. A 200
// response counts as a found profile.
type SocialAdapter struct {
	client    *http.Client
	limiter   *rate.Limiter
	platforms map[string]string
	userAgent string
}

// SocialOption configures a SocialAdapter.
type SocialOption func(*SocialAdapter)

// WithPlatforms replaces the probed platform templates.
func WithPlatforms(p map[string]string) SocialOption {
	return func(a *SocialAdapter) { a.platforms = p }
}

// WithHTTPClient sets the HTTP client used for probes.
func WithHTTPClient(c *http.Client) SocialOption {
	return func(a *SocialAdapter) { a.client = c }
}

// NewSocialAdapter creates a social adapter. The rate limiter is shared by
// every worker, so requests_per_second bounds the whole job.
func NewSocialAdapter(cfg config.SocialConfig, opts ...SocialOption) *SocialAdapter {
	a := &SocialAdapter{
		client:    &http.Client{Timeout: 5 * time.Second},
		platforms: selectPlatforms(cfg.Platforms),
		userAgent: cfg.UserAgent,
	}
	if cfg.RequestsPerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(int(cfg.RequestsPerSecond), 1))
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *SocialAdapter) Name() string { return "social" }

// Lookup returns profiles (platform → url), profile_count and the sorted
// failed_checks. It fails only when every probe failed, which points at the
// network rather than the username.
func (a *SocialAdapter) Lookup(ctx context.Context, identifier string) (model.Fields, error) {
	username := usernameOf(identifier)
	if username == "" {
		return nil, eris.Errorf("social: no username in %q", identifier)
	}

	var (
		mu       sync.Mutex
		found    = make(map[string]string)
		failed   []string
		lastErr  error
		platform = sortedPlatformNames(a.platforms)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(socialProbeConcurrency)
	for _, name := range platform {
		profileURL := fmt.Sprintf(a.platforms[name], url.PathEscape(username))
		g.Go(func() error {
			ok, err := a.probe(gctx, profileURL)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failed = append(failed, name)
				lastErr = err
			case ok:
				found[name] = profileURL
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(platform) > 0 && len(failed) == len(platform) {
		return nil, resilience.NewTransientError(eris.Wrapf(lastErr, "social: all %d probes failed for %s", len(failed), username), 0)
	}

	slices.Sort(failed)
	zap.L().Debug("social: lookup complete",
		zap.String("username", username),
		zap.Int("found", len(found)),
		zap.Int("failed", len(failed)),
	)
	return model.Fields{
		"profiles":      found,
		"profile_count": len(found),
		"failed_checks": failed,
	}, nil
}

func (a *SocialAdapter) probe(ctx context.Context, profileURL string) (bool, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return false, eris.Wrap(err, "social: rate limit")
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, profileURL, nil)
	if err != nil {
		return false, eris.Wrap(err, "social: build request")
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false, eris.Wrapf(err, "social: get %s", profileURL)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode == http.StatusOK, nil
}

func selectPlatforms(names []string) map[string]string {
	if len(names) == 0 {
		return DefaultPlatforms
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if tmpl, ok := DefaultPlatforms[n]; ok {
			out[n] = tmpl
		} else {
			zap.L().Warn("social: unknown platform ignored", zap.String("platform", n))
		}
	}
	return out
}

func sortedPlatformNames(p map[string]string) []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
