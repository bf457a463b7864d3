package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zonecrawler/internal/blockdetect"
	"github.com/JakeFAU/zonecrawler/internal/hash/sha256"
	"github.com/JakeFAU/zonecrawler/internal/render"
	"github.com/JakeFAU/zonecrawler/internal/throttle"
)

type fakeRenderer struct {
	mu    sync.Mutex
	calls int
	pages []render.Page
	errs  []error
	ctxs  []context.Context
}

func (r *fakeRenderer) Render(ctx context.Context, url string) (render.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	r.ctxs = append(r.ctxs, ctx)
	var (
		page render.Page
		err  error
	)
	if i < len(r.pages) {
		page = r.pages[i]
	} else if len(r.pages) > 0 {
		page = r.pages[len(r.pages)-1]
	}
	if i < len(r.errs) {
		err = r.errs[i]
	}
	if page.URL == "" {
		page.URL = url
	}
	return page, err
}

type stubClassifier struct {
	blocked map[string]bool
}

func (c stubClassifier) Classify(content string) blockdetect.Verdict {
	if c.blocked[content] {
		return blockdetect.Verdict{Blocked: true, Reason: "captcha", Stage: blockdetect.StagePhrase}
	}
	return blockdetect.Verdict{}
}

func newThrottle() *throttle.Throttle {
	return throttle.New(throttle.Config{RequestsPerMinute: -1, FailureThreshold: 3})
}

func TestFetch_Success(t *testing.T) {
	renderer := &fakeRenderer{pages: []render.Page{{
		Markdown:   "# Ashenvale",
		Title:      "Ashenvale",
		StatusCode: 200,
		InternalLinks: []string{
			"/wiki/Darkshore",
			"https://wowpedia.fandom.com/wiki/Special:Random",
			"https://other.example/wiki/X",
		},
	}}}
	th := newThrottle()
	f, err := New(Config{MaxBlockRetries: 1}, renderer, stubClassifier{}, th, nil)
	require.NoError(t, err)

	out := f.Fetch(context.Background(), "https://wowpedia.fandom.com/wiki/Ashenvale")
	require.NoError(t, out.Err)
	require.True(t, out.OK())
	assert.Equal(t, "# Ashenvale", *out.Content)
	assert.Equal(t, sha256.Sum("# Ashenvale"), out.ContentHash)
	assert.Equal(t, "Ashenvale", out.Title)
	assert.Equal(t, "wowpedia.fandom.com", out.Domain)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, []string{"https://wowpedia.fandom.com/wiki/Darkshore"}, out.InternalLinks)
	assert.Equal(t, 0, th.Snapshot("wowpedia.fandom.com").ConsecutiveFailures)
}

func TestFetch_BreakerOpenMakesNoRequest(t *testing.T) {
	th := newThrottle()
	for i := 0; i < 3; i++ {
		th.ReportFailure("blocked.example.com")
	}
	require.True(t, th.IsTripped("blocked.example.com"))

	renderer := &fakeRenderer{}
	f, err := New(Config{MaxBlockRetries: 1}, renderer, stubClassifier{}, th, nil)
	require.NoError(t, err)

	out := f.Fetch(context.Background(), "https://blocked.example.com/page")
	require.ErrorIs(t, out.Err, ErrBreakerOpen)
	assert.Nil(t, out.Content)
	assert.Equal(t, 0, renderer.calls)
	assert.Equal(t, 0, out.Attempts)
}

func TestFetch_BlockRetriedThenSucceeds(t *testing.T) {
	renderer := &fakeRenderer{pages: []render.Page{
		{Markdown: "wall", StatusCode: 200},
		{Markdown: "real content", StatusCode: 200},
	}}
	th := newThrottle()
	f, err := New(Config{MaxBlockRetries: 1}, renderer, stubClassifier{blocked: map[string]bool{"wall": true}}, th, nil)
	require.NoError(t, err)

	out := f.Fetch(context.Background(), "https://x.example/wiki/A")
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Attempts)
	assert.False(t, out.Blocked)
	assert.Equal(t, "real content", *out.Content)
	assert.Equal(t, 0, th.Snapshot("x.example").ConsecutiveFailures)
}

func TestFetch_BlockedOnEveryAttempt(t *testing.T) {
	renderer := &fakeRenderer{pages: []render.Page{{Markdown: "wall", StatusCode: 200}}}
	th := newThrottle()
	f, err := New(Config{MaxBlockRetries: 1}, renderer, stubClassifier{blocked: map[string]bool{"wall": true}}, th, nil)
	require.NoError(t, err)

	out := f.Fetch(context.Background(), "https://x.example/wiki/A")
	require.ErrorIs(t, out.Err, ErrBlocked)
	assert.True(t, out.Blocked)
	assert.Equal(t, "captcha", out.BlockReason)
	assert.Nil(t, out.Content)
	assert.False(t, out.OK())
	assert.Equal(t, 2, renderer.calls)
	assert.Equal(t, 2, th.Snapshot("x.example").ConsecutiveFailures)
}

func TestFetch_BlockRetriesStopWhenBreakerTrips(t *testing.T) {
	renderer := &fakeRenderer{pages: []render.Page{{Markdown: "wall", StatusCode: 200}}}
	th := throttle.New(throttle.Config{RequestsPerMinute: -1, FailureThreshold: 1})
	f, err := New(Config{MaxBlockRetries: 3}, renderer, stubClassifier{blocked: map[string]bool{"wall": true}}, th, nil)
	require.NoError(t, err)

	out := f.Fetch(context.Background(), "https://x.example/wiki/A")
	require.ErrorIs(t, out.Err, ErrBreakerOpen)
	assert.Equal(t, 1, renderer.calls)
}

func TestFetch_TransportFailureIsNotRetried(t *testing.T) {
	renderer := &fakeRenderer{errs: []error{errors.New("connection refused")}}
	th := newThrottle()
	f, err := New(Config{MaxBlockRetries: 2}, renderer, stubClassifier{}, th, nil)
	require.NoError(t, err)

	out := f.Fetch(context.Background(), "https://down.example/a")
	require.Error(t, out.Err)
	assert.NotErrorIs(t, out.Err, ErrBlocked)
	assert.Equal(t, 1, renderer.calls)
	assert.Equal(t, 1, th.Snapshot("down.example").ConsecutiveFailures)
}

func TestFetch_UpstreamStatus(t *testing.T) {
	renderer := &fakeRenderer{
		pages: []render.Page{{StatusCode: 404}},
		errs:  []error{render.ErrBackendStatus},
	}
	f, err := New(Config{}, renderer, stubClassifier{}, newThrottle(), nil)
	require.NoError(t, err)

	out := f.Fetch(context.Background(), "https://x.example/missing")
	require.ErrorIs(t, out.Err, ErrUpstreamStatus)
	assert.ErrorIs(t, out.Err, render.ErrBackendStatus)
	assert.Equal(t, 404, out.StatusCode)
}

func TestFetch_EmptyContentFails(t *testing.T) {
	for name, markdown := range map[string]string{
		"empty":      "",
		"whitespace": "  \n\t\n ",
	} {
		t.Run(name, func(t *testing.T) {
			renderer := &fakeRenderer{pages: []render.Page{{Markdown: markdown, StatusCode: 200}}}
			th := newThrottle()
			f, err := New(Config{MaxBlockRetries: 2}, renderer, stubClassifier{}, th, nil)
			require.NoError(t, err)

			out := f.Fetch(context.Background(), "https://x.example/wiki/Blank")
			require.ErrorIs(t, out.Err, ErrEmptyContent)
			assert.Nil(t, out.Content)
			assert.Empty(t, out.ContentHash)
			assert.False(t, out.Blocked)
			assert.Equal(t, 1, renderer.calls)
			assert.Equal(t, 1, th.Snapshot("x.example").ConsecutiveFailures)
		})
	}
}

func TestFetch_RenderContextSurvivesCancellation(t *testing.T) {
	renderer := &fakeRenderer{pages: []render.Page{{Markdown: "ok", StatusCode: 200}}}
	f, err := New(Config{}, renderer, stubClassifier{}, newThrottle(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := f.Fetch(ctx, "https://x.example/a")
	require.NoError(t, out.Err)
	cancel()
	require.Len(t, renderer.ctxs, 1)
	assert.NoError(t, renderer.ctxs[0].Err())
}

func TestFetch_CanceledWaitDoesNotReportFailure(t *testing.T) {
	renderer := &fakeRenderer{}
	th := newThrottle()
	f, err := New(Config{}, renderer, stubClassifier{}, th, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := f.Fetch(ctx, "https://x.example/a")
	require.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 0, renderer.calls)
	assert.Equal(t, 0, th.Snapshot("x.example").ConsecutiveFailures)
}

func TestFetch_InvalidURL(t *testing.T) {
	f, err := New(Config{}, &fakeRenderer{}, stubClassifier{}, newThrottle(), nil)
	require.NoError(t, err)
	out := f.Fetch(context.Background(), "not a url")
	require.Error(t, out.Err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, stubClassifier{}, newThrottle(), nil)
	require.Error(t, err)
	_, err = New(Config{MaxBlockRetries: -1}, &fakeRenderer{}, stubClassifier{}, newThrottle(), nil)
	require.Error(t, err)
}
