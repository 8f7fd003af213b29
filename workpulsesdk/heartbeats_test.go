package workpulsesdk_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/workpulse/workpulse/workpulsesdk"
)

func ptr[T any](v T) *T { return &v }

func TestHeartbeatRequest_Idle(t *testing.T) {
	t.Parallel()

	// The three idle signals resolve first-non-nil-wins, even when they
	// disagree. Historical data depends on this order.
	cases := []struct {
		name string
		req  workpulsesdk.HeartbeatRequest
		want bool
	}{
		{
			name: "ExplicitFlagWins",
			req: workpulsesdk.HeartbeatRequest{
				Status:          workpulsesdk.AgentStatusIdle,
				IsIdle:          ptr(false),
				IdleTimeSeconds: ptr[int64](9999),
			},
			want: false,
		},
		{
			name: "ExplicitFlagTrue",
			req: workpulsesdk.HeartbeatRequest{
				Status: workpulsesdk.AgentStatusActive,
				IsIdle: ptr(true),
			},
			want: true,
		},
		{
			name: "IdleSecondsAtThreshold",
			req: workpulsesdk.HeartbeatRequest{
				Status:          workpulsesdk.AgentStatusActive,
				IdleTimeSeconds: ptr[int64](workpulsesdk.IdleThresholdSeconds),
			},
			want: true,
		},
		{
			name: "IdleSecondsBelowThreshold",
			req: workpulsesdk.HeartbeatRequest{
				Status:          workpulsesdk.AgentStatusIdle,
				IdleTimeSeconds: ptr[int64](workpulsesdk.IdleThresholdSeconds - 1),
			},
			want: false,
		},
		{
			name: "StatusFallbackIdle",
			req: workpulsesdk.HeartbeatRequest{
				Status: workpulsesdk.AgentStatusIdle,
			},
			want: true,
		},
		{
			name: "StatusFallbackAway",
			req: workpulsesdk.HeartbeatRequest{
				Status: workpulsesdk.AgentStatusAway,
			},
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.req.Idle())
		})
	}
}

func TestHeartbeatRequest_HasAggregates(t *testing.T) {
	t.Parallel()

	require.False(t, workpulsesdk.HeartbeatRequest{}.HasAggregates())
	require.False(t, workpulsesdk.HeartbeatRequest{
		ActiveTimeTodaySeconds: ptr[int64](100),
	}.HasAggregates())
	require.True(t, workpulsesdk.HeartbeatRequest{
		ActiveTimeTodaySeconds: ptr[int64](100),
		IdleTimeTodaySeconds:   ptr[int64](0),
	}.HasAggregates())
}
