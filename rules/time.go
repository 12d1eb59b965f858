//go:build ruleguard

package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// DeferredTimeSince flags metrics observed with a deferred time.Since. The
// argument is evaluated when defer runs, not at function exit.
//
//	defer m.ObserveStage(time.Since(start))          // always ~0
//	defer func() { m.ObserveStage(time.Since(start)) }()
func DeferredTimeSince(m dsl.Matcher) {
	m.Match(
		`defer $f(time.Since($start))`,
		`defer $f($*_, time.Since($start))`,
		`defer $f(time.Since($start), $*_)`,
	).
		Report("time.Since($start) is evaluated at defer time; wrap the call in func() to measure the real duration")
}

// TimerChannelLen flags len/cap on timer channels, which are unbuffered since Go 1.23.
func TimerChannelLen(m dsl.Matcher) {
	m.Match(`len($t.C)`, `cap($t.C)`).
		Where(m["t"].Type.Is("*time.Timer") || m["t"].Type.Is("*time.Ticker")).
		Report("len/cap of a timer channel is always 0; use a non-blocking select")
}
