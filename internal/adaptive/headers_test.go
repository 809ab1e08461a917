package adaptive

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		value   string
		want    time.Duration
		wantNil bool
	}{
		{name: "seconds value", value: "2", want: 2 * time.Second},
		{name: "http date value", value: now.Add(3 * time.Second).Format(http.TimeFormat), want: 3 * time.Second},
		{name: "past http date", value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		{name: "invalid value", value: "invalid", wantNil: true},
		{name: "empty value", value: " ", wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseRetryAfter(tt.value, now)
			if tt.wantNil {
				assert.False(t, ok, "unexpected hint %s", got)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, got.Round(time.Second))
		})
	}
}

func TestParseRateHeader(t *testing.T) {
	tests := []struct {
		name      string
		limit     string
		count     string
		wantLen   int
		wantErr   bool
		wantFirst parsedWindow
	}{
		{
			name:    "single window",
			limit:   "20:1",
			count:   "5:1",
			wantLen: 1,
			wantFirst: parsedWindow{
				limit:  20,
				count:  5,
				window: time.Second,
			},
		},
		{
			name:    "multiple windows",
			limit:   "20:1,100:120",
			count:   "4:1,40:120",
			wantLen: 2,
			wantFirst: parsedWindow{
				limit:  20,
				count:  4,
				window: time.Second,
			},
		},
		{
			name:    "window without count carries no signal",
			limit:   "20:1,100:120",
			count:   "40:120",
			wantLen: 1,
			wantFirst: parsedWindow{
				limit:  100,
				count:  40,
				window: 120 * time.Second,
			},
		},
		{
			name:    "invalid is reported",
			limit:   "broken",
			count:   "1:1",
			wantLen: 0,
			wantErr: true,
		},
		{
			name:    "absent header",
			limit:   "",
			count:   "",
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRateHeader(tt.limit, tt.count)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			require.Len(t, got, tt.wantLen)
			if tt.wantLen > 0 {
				assert.Equal(t, tt.wantFirst, got[0])
			}
		})
	}
}

func TestReadQuota(t *testing.T) {
	tests := []struct {
		name       string
		header     map[string]string
		want       float64
		wantSignal bool
		wantErrs   int
	}{
		{
			name:       "no headers",
			header:     nil,
			wantSignal: false,
		},
		{
			name: "weight pair per minute",
			header: map[string]string{
				"X-RateLimit-Used-Weight-1m":  "600",
				"X-RateLimit-Limit-Weight-1m": "1200",
			},
			want:       0.5,
			wantSignal: true,
		},
		{
			name: "highest window wins",
			header: map[string]string{
				"X-RateLimit-Used-Count-1s":   "9",
				"X-RateLimit-Limit-Count-1s":  "10",
				"X-RateLimit-Used-Weight-1m":  "100",
				"X-RateLimit-Limit-Weight-1m": "1200",
			},
			want:       0.9,
			wantSignal: true,
		},
		{
			name: "used without limit is no signal",
			header: map[string]string{
				"X-RateLimit-Used-Weight-1m": "600",
			},
			wantSignal: false,
		},
		{
			name: "unknown window ignored",
			header: map[string]string{
				"X-RateLimit-Used-Weight-1h":  "600",
				"X-RateLimit-Limit-Weight-1h": "1200",
			},
			wantSignal: false,
		},
		{
			name: "app rate windows",
			header: map[string]string{
				"X-App-Rate-Limit":       "20:1,100:120",
				"X-App-Rate-Limit-Count": "2:1,75:120",
			},
			want:       0.75,
			wantSignal: true,
		},
		{
			name: "remaining pair",
			header: map[string]string{
				"X-RateLimit-Limit":     "60",
				"X-RateLimit-Remaining": "45",
			},
			want:       0.25,
			wantSignal: true,
		},
		{
			name: "malformed values reported",
			header: map[string]string{
				"X-RateLimit-Used-Weight-1m":  "lots",
				"X-RateLimit-Limit-Weight-1m": "1200",
			},
			wantSignal: false,
			wantErrs:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := make(http.Header)
			for k, v := range tt.header {
				h.Set(k, v)
			}
			got, ok, errs := readQuota(h)
			require.Equal(t, tt.wantSignal, ok)
			assert.Len(t, errs, tt.wantErrs)
			if ok {
				assert.Equal(t, tt.want, got.utilization)
			}
		})
	}
}
