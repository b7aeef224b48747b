package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-gateway/core/metrics"
)

// fakeUpstream 按 Key 返回预设状态码，并记录每个 Key 的请求次数
type fakeUpstream struct {
	mu       sync.Mutex
	hits     map[string]int
	order    []string
	statusFn func(key string, hit int) int
}

func newFakeUpstream(t *testing.T, statusFn func(key string, hit int) int) (*httptest.Server, *fakeUpstream) {
	t.Helper()
	u := &fakeUpstream{hits: make(map[string]int), statusFn: statusFn}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(CredentialHeader)
		u.mu.Lock()
		u.hits[key]++
		hit := u.hits[key]
		u.order = append(u.order, key)
		u.mu.Unlock()

		w.WriteHeader(u.statusFn(key, hit))
		fmt.Fprintf(w, `{"key":%q}`, key)
	}))
	t.Cleanup(ts.Close)
	return ts, u
}

func (u *fakeUpstream) Hits(key string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[key]
}

func staticStatus(statuses map[string]int) func(string, int) int {
	return func(key string, _ int) int {
		if s, ok := statuses[key]; ok {
			return s
		}
		return http.StatusOK
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestNewQuotaClient_RequiresKeys(t *testing.T) {
	for _, keys := range [][]string{nil, {}, {"", "   ", "\t"}} {
		c, err := NewQuotaClient(keys, ClientConfig{})
		assert.Nil(t, c)

		var cfgErr *ConfigurationError
		assert.True(t, errors.As(err, &cfgErr), "keys %q should fail with ConfigurationError", keys)
	}

	c, err := NewQuotaClient([]string{"", " key-a ", ""}, ClientConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, c.KeyCount())
	assert.Equal(t, 1, c.maxRetries, "MaxRetries defaults to the key count")
	assert.Equal(t, DefaultResetInterval, c.resetInterval)
}

func TestRotateKey_IsCircular(t *testing.T) {
	for n := 1; n <= 5; n++ {
		keys := make([]string, n)
		for i := range keys {
			keys[i] = fmt.Sprintf("key-%d", i)
		}
		c, err := NewQuotaClient(keys, ClientConfig{})
		require.NoError(t, err)

		c.RotateKey() // 从非零位置开始
		start := c.CurrentIndex()
		for i := 0; i < n; i++ {
			c.RotateKey()
			assert.Less(t, c.CurrentIndex(), n)
		}
		assert.Equal(t, start, c.CurrentIndex(), "rotating %d times returns to the start", n)
	}
}

func TestCall_RotatesPastQuotaExceededKey(t *testing.T) {
	ts, up := newFakeUpstream(t, staticStatus(map[string]int{"key-1": http.StatusTooManyRequests}))
	c, err := NewQuotaClient([]string{"key-1", "key-2", "key-3"}, ClientConfig{})
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), ts.URL, RequestOptions{Method: http.MethodPost})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"key":"key-2"}`, readBody(t, resp))

	assert.Equal(t, 1, c.CurrentIndex(), "exactly one rotation")
	_, exhausted := c.QuotaExhaustedAt(0)
	assert.True(t, exhausted)
	_, exhausted = c.QuotaExhaustedAt(1)
	assert.False(t, exhausted)

	stats := c.Stats()
	assert.Equal(t, []int64{1, 0, 0}, stats.ErrorCounts)
	assert.Equal(t, []int64{0, 1, 0}, stats.RequestCounts)
	assert.Equal(t, []string{"Key 1"}, stats.QuotaExhausted)
	assert.Equal(t, 2, stats.ActiveKeys)
	assert.Equal(t, 1, up.Hits("key-1"))
	assert.Equal(t, 0, up.Hits("key-3"))
}

func TestCall_AllKeysExhausted(t *testing.T) {
	ts, up := newFakeUpstream(t, func(string, int) int { return http.StatusTooManyRequests })
	c, err := NewQuotaClient([]string{"key-1", "key-2"}, ClientConfig{MaxRetries: 2})
	require.NoError(t, err)

	start := time.Now()
	resp, err := c.Call(context.Background(), ts.URL, RequestOptions{})
	elapsed := time.Since(start)

	assert.Nil(t, resp)
	var exhausted *AllKeysExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 2, exhausted.Keys)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.True(t, IsAllKeysExhausted(err))

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "backoff between attempts")
	assert.Equal(t, 1, up.Hits("key-1"))
	assert.Equal(t, 1, up.Hits("key-2"))

	// 再次调用时两个 Key 都已标记耗尽，直接跳过，不发请求
	_, err = c.Call(context.Background(), ts.URL, RequestOptions{})
	assert.True(t, IsAllKeysExhausted(err))
	assert.Equal(t, 1, up.Hits("key-1"))
	assert.Equal(t, 1, up.Hits("key-2"))
}

func TestCall_SkippedKeysDoNotBackoff(t *testing.T) {
	ts, _ := newFakeUpstream(t, staticStatus(nil))
	clock := newFakeClock()
	c, err := NewQuotaClient([]string{"key-1", "key-2", "key-3"}, ClientConfig{Clock: clock.Now})
	require.NoError(t, err)

	c.pool.MarkQuotaExceeded(0, clock.Now())
	c.pool.MarkQuotaExceeded(1, clock.Now())

	start := time.Now()
	resp, err := c.Call(context.Background(), ts.URL, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, `{"key":"key-3"}`, readBody(t, resp))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestCall_QuotaFlagsClearAfterResetInterval(t *testing.T) {
	// key-1 第一次返回 429，之后恢复正常
	ts, up := newFakeUpstream(t, func(key string, hit int) int {
		if key == "key-1" && hit == 1 {
			return http.StatusTooManyRequests
		}
		return http.StatusOK
	})
	clock := newFakeClock()
	c, err := NewQuotaClient([]string{"key-1", "key-2"}, ClientConfig{
		ResetInterval: time.Minute,
		Clock:         clock.Now,
	})
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), ts.URL, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, `{"key":"key-2"}`, readBody(t, resp))

	// 周期未到：key-1 仍被跳过
	clock.Advance(30 * time.Second)
	c.RotateKey()
	resp, err = c.Call(context.Background(), ts.URL, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, `{"key":"key-2"}`, readBody(t, resp))
	assert.Equal(t, 1, up.Hits("key-1"))

	// 周期已到：标记自动清除，key-1 重新可用
	clock.Advance(30 * time.Second)
	c.RotateKey()
	resp, err = c.Call(context.Background(), ts.URL, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, `{"key":"key-1"}`, readBody(t, resp))
	assert.Equal(t, 2, up.Hits("key-1"))

	stats := c.Stats()
	assert.Equal(t, 2, stats.ActiveKeys)
	assert.Empty(t, stats.QuotaExhausted)
	assert.Equal(t, "0s", stats.Uptime)
}

func TestCall_ClientErrorReturnedAsIs(t *testing.T) {
	ts, up := newFakeUpstream(t, func(string, int) int { return http.StatusBadRequest })
	c, err := NewQuotaClient([]string{"key-1", "key-2"}, ClientConfig{})
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), ts.URL, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, `{"key":"key-1"}`, readBody(t, resp))

	assert.Equal(t, 0, c.CurrentIndex(), "no rotation on 400")
	stats := c.Stats()
	assert.Equal(t, []int64{1, 0}, stats.RequestCounts)
	assert.Equal(t, int64(0), stats.TotalErrors)
	assert.Equal(t, 0, up.Hits("key-2"))
}

func TestCall_ServerErrorDoesNotFlagQuota(t *testing.T) {
	ts, _ := newFakeUpstream(t, staticStatus(map[string]int{"key-1": http.StatusServiceUnavailable}))
	c, err := NewQuotaClient([]string{"key-1", "key-2"}, ClientConfig{})
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), ts.URL, RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()

	_, exhausted := c.QuotaExhaustedAt(0)
	assert.False(t, exhausted, "5xx is not a quota error")

	stats := c.Stats()
	assert.Equal(t, []int64{1, 0}, stats.ErrorCounts)
	assert.Equal(t, []int64{0, 1}, stats.RequestCounts)
	assert.Equal(t, 2, stats.ActiveKeys)
	assert.Equal(t, 2, stats.CurrentKey)
}

func TestCall_TransportFailureRotates(t *testing.T) {
	var seen []string
	tr := transportFunc(func(req *http.Request) (*http.Response, error) {
		key := req.Header.Get(CredentialHeader)
		seen = append(seen, key)
		if key == "key-1" {
			return nil, errors.New("dial tcp: connection refused")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("ok")),
			Header:     make(http.Header),
		}, nil
	})

	c, err := NewQuotaClient([]string{"key-1", "key-2"}, ClientConfig{Transport: tr})
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), "http://upstream.invalid/v1", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", readBody(t, resp))
	assert.Equal(t, []string{"key-1", "key-2"}, seen)

	stats := c.Stats()
	assert.Equal(t, []int64{1, 0}, stats.ErrorCounts)
	_, exhausted := c.QuotaExhaustedAt(0)
	assert.False(t, exhausted)
}

func TestCall_MergesHeadersAndPassesBody(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c, err := NewQuotaClient([]string{"key-1"}, ClientConfig{})
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("X-Trace", "abc")
	header.Set(CredentialHeader, "caller-supplied")

	resp, err := c.Call(context.Background(), ts.URL+"/models/x:generateContent", RequestOptions{
		Method: http.MethodPost,
		Header: header,
		Body:   []byte(`{"contents":[]}`),
	})
	require.NoError(t, err)
	resp.Body.Close()

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/models/x:generateContent", got.URL.Path)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "abc", got.Header.Get("X-Trace"))
	assert.Equal(t, []string{"key-1"}, got.Header.Values(CredentialHeader))
	assert.Equal(t, `{"contents":[]}`, string(gotBody))

	// 调用方的 Header 不被修改
	assert.Equal(t, "caller-supplied", header.Get(CredentialHeader))
}

func TestCall_RetriesResendBody(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if r.Header.Get(CredentialHeader) == "key-1" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c, err := NewQuotaClient([]string{"key-1", "key-2"}, ClientConfig{})
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), ts.URL, RequestOptions{Method: http.MethodPost, Body: []byte("payload")})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []string{"payload", "payload"}, bodies)
}

func TestCall_ContextCancelledDuringBackoff(t *testing.T) {
	ts, _ := newFakeUpstream(t, func(string, int) int { return http.StatusBadGateway })
	c, err := NewQuotaClient([]string{"key-1", "key-2"}, ClientConfig{MaxRetries: 5})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Call(ctx, ts.URL, RequestOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, IsAllKeysExhausted(err))
}

func TestCall_InvalidEndpoint(t *testing.T) {
	c, err := NewQuotaClient([]string{"key-1"}, ClientConfig{})
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "://bad url", RequestOptions{})
	require.Error(t, err)
	assert.Equal(t, int64(0), c.Stats().TotalErrors)
}

func TestCall_ConcurrentCallsKeepCountsConsistent(t *testing.T) {
	ts, _ := newFakeUpstream(t, staticStatus(nil))
	c, err := NewQuotaClient([]string{"key-1", "key-2", "key-3"}, ClientConfig{})
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Call(context.Background(), ts.URL, RequestOptions{})
			if assert.NoError(t, err) {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(workers), c.Stats().TotalRequests)
}

func TestStats_ReadOnlyAndSuccessRate(t *testing.T) {
	clock := newFakeClock()
	c, err := NewQuotaClient([]string{"key-1", "key-2"}, ClientConfig{Clock: clock.Now})
	require.NoError(t, err)

	first := c.Stats()
	assert.Equal(t, "N/A", first.SuccessRate)
	assert.Equal(t, 1, first.CurrentKey)
	assert.Equal(t, 2, first.TotalKeys)
	assert.Equal(t, 2, first.ActiveKeys)
	assert.Equal(t, first, c.Stats(), "Stats must not mutate state")

	// 返回的切片是拷贝
	first.RequestCounts[0] = 99
	assert.Equal(t, int64(0), c.Stats().RequestCounts[0])

	c.pool.RecordSuccess(0)
	c.pool.RecordSuccess(0)
	c.pool.RecordSuccess(1)
	c.pool.RecordSuccess(1)
	c.pool.RecordError(1)
	clock.Advance(90 * time.Second)

	s := c.Stats()
	assert.Equal(t, int64(4), s.TotalRequests)
	assert.Equal(t, int64(1), s.TotalErrors)
	assert.Equal(t, "75.0%", s.SuccessRate)
	assert.Equal(t, "90s", s.Uptime)
	assert.Equal(t, s, c.Stats())
}

func TestResetStats(t *testing.T) {
	ts, _ := newFakeUpstream(t, staticStatus(map[string]int{"key-1": http.StatusTooManyRequests}))
	clock := newFakeClock()
	c, err := NewQuotaClient([]string{"key-1", "key-2", "key-3"}, ClientConfig{Clock: clock.Now})
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), ts.URL, RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()
	c.RotateKey()
	clock.Advance(10 * time.Second)

	c.ResetStats()

	s := c.Stats()
	assert.Equal(t, 0, c.CurrentIndex())
	assert.Equal(t, 3, c.KeyCount())
	assert.Equal(t, []int64{0, 0, 0}, s.RequestCounts)
	assert.Equal(t, []int64{0, 0, 0}, s.ErrorCounts)
	assert.Equal(t, int64(0), s.TotalRequests)
	assert.Equal(t, 3, s.ActiveKeys)
	assert.Empty(t, s.QuotaExhausted)
	assert.Equal(t, "N/A", s.SuccessRate)
	assert.Equal(t, time.Duration(0), s.SinceReset)
}

func TestCall_VerbosePrintsPeriodicStats(t *testing.T) {
	ts, _ := newFakeUpstream(t, staticStatus(nil))

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	c, err := NewQuotaClient([]string{"AIzaSyA-secret-1", "AIzaSyB-secret-2"}, ClientConfig{Verbose: true, Logger: logger})
	require.NoError(t, err)

	for i := 0; i < statsEveryN; i++ {
		resp, err := c.Call(context.Background(), ts.URL, RequestOptions{})
		require.NoError(t, err)
		resp.Body.Close()
	}

	out := buf.String()
	assert.Contains(t, out, "request #10 successful")
	assert.Contains(t, out, "API Quota Stats")
	assert.NotContains(t, out, "secret", "raw keys are never logged")
}

func activeKeysGauge(name string) float64 {
	return testutil.ToFloat64(metrics.ActiveKeys.WithLabelValues(name))
}

func TestActiveKeysGauge_IsPerClient(t *testing.T) {
	ts, _ := newFakeUpstream(t, staticStatus(map[string]int{"a-1": http.StatusTooManyRequests}))

	a, err := NewQuotaClient([]string{"a-1", "a-2"}, ClientConfig{Name: t.Name() + "-a"})
	require.NoError(t, err)
	b, err := NewQuotaClient([]string{"b-1", "b-2", "b-3", "b-4"}, ClientConfig{Name: t.Name() + "-b"})
	require.NoError(t, err)

	resp, err := a.Call(context.Background(), ts.URL, RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, 1.0, activeKeysGauge(a.Name()))
	assert.Equal(t, 4.0, activeKeysGauge(b.Name()))
	assert.Equal(t, b.Stats().ActiveKeys, int(activeKeysGauge(b.Name())))
}

func TestActiveKeysGauge_DefaultNamesAreDistinct(t *testing.T) {
	a, err := NewQuotaClient([]string{"k"}, ClientConfig{})
	require.NoError(t, err)
	b, err := NewQuotaClient([]string{"k"}, ClientConfig{})
	require.NoError(t, err)
	assert.NotEqual(t, a.Name(), b.Name())
}

func TestClose_StopsGaugeUpdates(t *testing.T) {
	ts, _ := newFakeUpstream(t, staticStatus(map[string]int{"old-1": http.StatusTooManyRequests}))
	name := t.Name()

	old, err := NewQuotaClient([]string{"old-1", "old-2"}, ClientConfig{Name: name})
	require.NoError(t, err)
	current, err := NewQuotaClient([]string{"new-1", "new-2", "new-3"}, ClientConfig{Name: name})
	require.NoError(t, err)
	old.Close()
	current.PublishMetrics()

	// 被替换的客户端仍可调用，但不再改写同名指标
	resp, err := old.Call(context.Background(), ts.URL, RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, 1, old.Stats().ActiveKeys)
	assert.Equal(t, 3.0, activeKeysGauge(name))
}
