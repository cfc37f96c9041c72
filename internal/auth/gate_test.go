package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeMembership struct {
	members map[int64]bool
	calls   int
}

func (f *fakeMembership) IsMemberOfAny(_ context.Context, telegramID int64, _ []int64) bool {
	f.calls++
	return f.members[telegramID]
}

type fakeSoulink struct {
	enabled bool
	shared  map[int64]bool
	calls   int
}

func (f *fakeSoulink) Enabled() bool { return f.enabled }

func (f *fakeSoulink) HasSharedGroup(_ context.Context, telegramID int64) bool {
	f.calls++
	return f.shared[telegramID]
}

type fakeSessions struct {
	active map[int64]bool
	calls  int
}

func (f *fakeSessions) HasActiveSession(_ context.Context, telegramID int64) bool {
	f.calls++
	return f.active[telegramID]
}

func TestGate_Authorize(t *testing.T) {
	const user = int64(42)

	tests := []struct {
		name        string
		groups      []int64
		member      bool
		soulinkOn   bool
		shared      bool
		linking     bool
		linked      bool
		want        Decision
		wantSession int
	}{
		{
			name: "nothing configured",
			want: Decision{Outcome: Allow},
		},
		{
			name:    "non-member is denied silently",
			groups:  []int64{-100},
			member:  false,
			linking: true,
			want:    Decision{Outcome: DenySilently, Reason: ReasonNotGroupMember},
		},
		{
			name:   "member without linking",
			groups: []int64{-100},
			member: true,
			want:   Decision{Outcome: Allow},
		},
		{
			name:      "soulink denies without shared group",
			soulinkOn: true,
			shared:    false,
			linking:   true,
			want:      Decision{Outcome: DenySilently, Reason: ReasonSoulinkDenied},
		},
		{
			name:      "soulink passes with shared group",
			soulinkOn: true,
			shared:    true,
			want:      Decision{Outcome: Allow},
		},
		{
			name:        "member without session gets a prompt",
			groups:      []int64{-100},
			member:      true,
			linking:     true,
			linked:      false,
			want:        Decision{Outcome: DenyWithPrompt, Reason: ReasonLinkRequired},
			wantSession: 1,
		},
		{
			name:        "linked member is allowed",
			groups:      []int64{-100},
			member:      true,
			soulinkOn:   true,
			shared:      true,
			linking:     true,
			linked:      true,
			want:        Decision{Outcome: Allow},
			wantSession: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			membership := &fakeMembership{members: map[int64]bool{user: tt.member}}
			soulink := &fakeSoulink{enabled: tt.soulinkOn, shared: map[int64]bool{user: tt.shared}}
			sessions := &fakeSessions{active: map[int64]bool{user: tt.linked}}

			gate := NewGate(GateConfig{
				Groups:         tt.groups,
				Membership:     membership,
				Soulink:        soulink,
				Sessions:       sessions,
				LinkingEnabled: tt.linking,
			}, zap.NewNop(), nil, false)

			got := gate.Authorize(context.Background(), user)

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantSession, sessions.calls, "session lookups")
			if len(tt.groups) == 0 {
				assert.Zero(t, membership.calls, "no groups means no membership lookups")
			}
			if !tt.soulinkOn {
				assert.Zero(t, soulink.calls)
			}
		})
	}
}

func TestGate_OutsiderNeverSeesPrompt(t *testing.T) {
	membership := &fakeMembership{members: map[int64]bool{}}
	soulink := &fakeSoulink{enabled: true, shared: map[int64]bool{}}
	sessions := &fakeSessions{}

	gate := NewGate(GateConfig{
		Groups:         []int64{-100, -200},
		Membership:     membership,
		Soulink:        soulink,
		Sessions:       sessions,
		LinkingEnabled: true,
	}, zap.NewNop(), nil, false)

	for id := int64(1); id <= 20; id++ {
		d := gate.Authorize(context.Background(), id)
		assert.NotEqual(t, DenyWithPrompt, d.Outcome)
		assert.False(t, d.Allowed())
	}
	assert.Zero(t, soulink.calls, "soulink is not consulted after membership fails")
	assert.Zero(t, sessions.calls)
}

func TestGate_LinkingWithoutStorageDenies(t *testing.T) {
	gate := NewGate(GateConfig{LinkingEnabled: true}, zap.NewNop(), nil, false)

	d := gate.Authorize(context.Background(), 42)

	assert.Equal(t, DenyWithPrompt, d.Outcome)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "deny_silently", DenySilently.String())
	assert.Equal(t, "deny_with_prompt", DenyWithPrompt.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
