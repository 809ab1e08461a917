package adaptive

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	usedPrefix  = "X-Ratelimit-Used-"
	limitPrefix = "X-Ratelimit-Limit-"
)

type parsedWindow struct {
	limit  int
	count  int
	window time.Duration
}

// quotaSignal is the upstream's own view of how much quota is used.
type quotaSignal struct {
	utilization float64
	source      string
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(v)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}

	if ts, err := http.ParseTime(value); err == nil {
		if ts.Before(now) {
			return 0, true
		}
		return ts.Sub(now), true
	}

	return 0, false
}

// parseRateHeader reads "limit:seconds,..." and the matching
// "count:seconds,..." header.
func parseRateHeader(limitHeader, countHeader string) ([]parsedWindow, error) {
	limits := strings.Split(strings.TrimSpace(limitHeader), ",")
	if len(limits) == 0 || limits[0] == "" {
		return nil, nil
	}

	counts := make(map[time.Duration]int)
	for _, part := range strings.Split(strings.TrimSpace(countHeader), ",") {
		cParts := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(cParts) != 2 {
			continue
		}
		count, err1 := strconv.Atoi(cParts[0])
		secs, err2 := strconv.Atoi(cParts[1])
		if err1 != nil || err2 != nil || count < 0 || secs <= 0 {
			continue
		}
		counts[time.Duration(secs)*time.Second] = count
	}

	out := make([]parsedWindow, 0, len(limits))
	var bad []string
	for _, raw := range limits {
		lParts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
		if len(lParts) != 2 {
			bad = append(bad, raw)
			continue
		}

		limit, err := strconv.Atoi(lParts[0])
		if err != nil || limit <= 0 {
			bad = append(bad, raw)
			continue
		}

		windowSecs, err := strconv.Atoi(lParts[1])
		if err != nil || windowSecs <= 0 {
			bad = append(bad, raw)
			continue
		}

		window := time.Duration(windowSecs) * time.Second
		count, ok := counts[window]
		if !ok {
			continue
		}
		out = append(out, parsedWindow{
			limit:  limit,
			count:  count,
			window: window,
		})
	}

	if len(bad) > 0 {
		return out, fmt.Errorf("malformed rate limit entries %q", bad)
	}
	return out, nil
}

// parseUsedLimitPairs reads X-RateLimit-Used-<Kind>-<Window> with the
// matching X-RateLimit-Limit-<Kind>-<Window>. Kind is weight or count and
// window is 1s or 1m.
func parseUsedLimitPairs(h http.Header) ([]float64, error) {
	var (
		out []float64
		bad []string
	)
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(canonical, usedPrefix) || len(values) == 0 {
			continue
		}
		suffix := strings.TrimPrefix(canonical, usedPrefix)
		if !knownQuotaSuffix(suffix) {
			continue
		}

		limitValue := h.Get(limitPrefix + suffix)
		if limitValue == "" {
			continue
		}

		used, err1 := strconv.ParseFloat(strings.TrimSpace(values[0]), 64)
		limit, err2 := strconv.ParseFloat(strings.TrimSpace(limitValue), 64)
		if err1 != nil || err2 != nil || used < 0 || limit <= 0 {
			bad = append(bad, suffix)
			continue
		}
		out = append(out, used/limit)
	}

	if len(bad) > 0 {
		return out, fmt.Errorf("malformed quota headers for %q", bad)
	}
	return out, nil
}

func knownQuotaSuffix(suffix string) bool {
	kind, window, ok := strings.Cut(strings.ToLower(suffix), "-")
	if !ok {
		return false
	}
	if kind != "weight" && kind != "count" {
		return false
	}
	return window == "1s" || window == "1m"
}

// parseRemainingPair reads the common X-RateLimit-Limit / X-RateLimit-Remaining
// pair.
func parseRemainingPair(h http.Header) (float64, bool, error) {
	limitValue := strings.TrimSpace(h.Get("X-RateLimit-Limit"))
	remainingValue := strings.TrimSpace(h.Get("X-RateLimit-Remaining"))
	if limitValue == "" || remainingValue == "" {
		return 0, false, nil
	}

	limit, err1 := strconv.ParseFloat(limitValue, 64)
	remaining, err2 := strconv.ParseFloat(remainingValue, 64)
	if err1 != nil || err2 != nil || limit <= 0 || remaining < 0 {
		return 0, false, fmt.Errorf("malformed X-RateLimit-Limit/Remaining %q/%q", limitValue, remainingValue)
	}
	used := limit - remaining
	if used < 0 {
		used = 0
	}
	return used / limit, true, nil
}

// readQuota returns the highest utilization the upstream reports across all
// supported header shapes. ok is false when no header carries a signal.
func readQuota(h http.Header) (quotaSignal, bool, []error) {
	if len(h) == 0 {
		return quotaSignal{}, false, nil
	}

	var (
		signal quotaSignal
		found  bool
		errs   []error
	)
	consider := func(u float64, source string) {
		if !found || u > signal.utilization {
			signal = quotaSignal{utilization: u, source: source}
		}
		found = true
	}

	for _, scope := range []string{"App", "Method"} {
		windows, err := parseRateHeader(
			h.Get("X-"+scope+"-Rate-Limit"),
			h.Get("X-"+scope+"-Rate-Limit-Count"),
		)
		if err != nil {
			errs = append(errs, err)
		}
		for _, w := range windows {
			consider(float64(w.count)/float64(w.limit), strings.ToLower(scope)+"_window")
		}
	}

	pairs, err := parseUsedLimitPairs(h)
	if err != nil {
		errs = append(errs, err)
	}
	for _, u := range pairs {
		consider(u, "used_limit")
	}

	if u, ok, err := parseRemainingPair(h); err != nil {
		errs = append(errs, err)
	} else if ok {
		consider(u, "remaining")
	}

	return signal, found, errs
}
