package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30", 30 * time.Second, false},
		{"90s", 90 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"0", 0, true},
		{"-5s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInterval(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStartRequestOptions(t *testing.T) {
	auto := true
	opts, err := StartRequest{Interval: "45s", BatchSize: 3, AutoSendDrafts: &auto}.Options()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, opts.Interval)
	assert.Equal(t, 3, opts.BatchSize)
	require.NotNil(t, opts.AutoSendDrafts)
	assert.True(t, *opts.AutoSendDrafts)

	empty, err := StartRequest{}.Options()
	require.NoError(t, err)
	assert.Zero(t, empty.Interval)
	assert.Nil(t, empty.AutoSendDrafts)

	_, err = StartRequest{BatchSize: -1}.Options()
	assert.ErrorIs(t, err, ErrBadRequest)
}
