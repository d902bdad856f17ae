package room

import (
	"fmt"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zxbdzh/new-year/domain"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func player(id string, count int) domain.PlayerInfo {
	return domain.PlayerInfo{ID: id, DisplayName: "P" + id, ActionCount: count}
}

func fill(t *testing.T, r *Registry, roomID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.True(t, r.AddMember(roomID, player(fmt.Sprintf("player_%d", i), 0)))
	}
}

func TestRegistry_CreateRoom(t *testing.T) {
	codePattern := regexp.MustCompile(`^\d{4}$`)

	tests := []struct {
		name     string
		kind     domain.RoomKind
		wantCode bool
	}{
		{name: "public room has no code", kind: domain.RoomPublic, wantCode: false},
		{name: "private room gets a 4-digit code", kind: domain.RoomPrivate, wantCode: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(DefaultCapacity)

			rm, ok := r.CreateRoom(tt.kind)
			require.True(t, ok)

			assert.NotEmpty(t, rm.ID)
			assert.Equal(t, tt.kind, rm.Kind)
			assert.Empty(t, rm.Members)
			assert.Equal(t, DefaultCapacity, rm.Capacity)
			if !tt.wantCode {
				assert.Empty(t, rm.Code)
				return
			}
			assert.Regexp(t, codePattern, rm.Code)
			n, err := strconv.Atoi(rm.Code)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, 1000)
			assert.LessOrEqual(t, n, 9999)
		})
	}
}

func TestRegistry_PrivateCodesUniqueAmongLiveRooms(t *testing.T) {
	r := New(DefaultCapacity)

	// the generator keeps proposing 4242 until it is forced onto another code
	draws := []int{4242, 4242, 4242, 5151}
	r.randCode = func() int {
		n := draws[0]
		if len(draws) > 1 {
			draws = draws[1:]
		}
		return n
	}

	first, ok := r.CreateRoom(domain.RoomPrivate)
	require.True(t, ok)
	second, ok := r.CreateRoom(domain.RoomPrivate)
	require.True(t, ok)

	assert.Equal(t, "4242", first.Code)
	assert.Equal(t, "5151", second.Code)
}

func TestRegistry_CodeReusableAfterDelete(t *testing.T) {
	r := New(DefaultCapacity)
	r.randCode = func() int { return 1234 }

	first, ok := r.CreateRoom(domain.RoomPrivate)
	require.True(t, ok)
	require.True(t, r.DeleteRoom(first.ID))

	_, found := r.FindByCode("1234")
	assert.False(t, found)

	second, ok := r.CreateRoom(domain.RoomPrivate)
	require.True(t, ok)
	assert.Equal(t, "1234", second.Code)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRegistry_CreateRoomWithCode(t *testing.T) {
	r := New(DefaultCapacity)

	rm, ok := r.CreateRoomWithCode("7777")
	require.True(t, ok)
	assert.Equal(t, domain.RoomPrivate, rm.Kind)
	assert.Equal(t, "7777", rm.Code)

	_, ok = r.CreateRoomWithCode("7777")
	assert.False(t, ok, "live code must not be claimed twice")

	found, ok := r.FindByCode("7777")
	require.True(t, ok)
	assert.Equal(t, rm.ID, found.ID)
}

func TestRegistry_CustomCodesOutsideRangeDoNotExhaust(t *testing.T) {
	r := New(DefaultCapacity)

	for n := 1; n < codeMin; n++ {
		_, ok := r.CreateRoomWithCode(fmt.Sprintf("%04d", n))
		require.True(t, ok)
	}
	for n := codeMin + 1; n < codeMin+codeSpace; n++ {
		_, ok := r.CreateRoomWithCode(strconv.Itoa(n))
		require.True(t, ok)
	}
	assert.Equal(t, codeSpace-1, r.drawable)

	r.randCode = func() int { return codeMin }
	rm, ok := r.CreateRoom(domain.RoomPrivate)
	require.True(t, ok, "one drawable code is still free")
	assert.Equal(t, strconv.Itoa(codeMin), rm.Code)

	_, ok = r.CreateRoom(domain.RoomPrivate)
	assert.False(t, ok, "every drawable code is taken")

	require.True(t, r.DeleteRoom(rm.ID))
	assert.Equal(t, codeSpace-1, r.drawable)
}

func TestRegistry_FindByCodeMissing(t *testing.T) {
	r := New(DefaultCapacity)
	_, ok := r.FindByCode("9999")
	assert.False(t, ok)
}

func TestRegistry_FindAvailablePublic(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, r *Registry) string
		wantOK bool
	}{
		{
			name:   "no rooms",
			setup:  func(t *testing.T, r *Registry) string { return "" },
			wantOK: false,
		},
		{
			name: "open public room",
			setup: func(t *testing.T, r *Registry) string {
				rm, _ := r.CreateRoom(domain.RoomPublic)
				return rm.ID
			},
			wantOK: true,
		},
		{
			name: "full public room is skipped",
			setup: func(t *testing.T, r *Registry) string {
				rm, _ := r.CreateRoom(domain.RoomPublic)
				fill(t, r, rm.ID, DefaultCapacity)
				return ""
			},
			wantOK: false,
		},
		{
			name: "private rooms are ignored",
			setup: func(t *testing.T, r *Registry) string {
				r.CreateRoom(domain.RoomPrivate)
				return ""
			},
			wantOK: false,
		},
		{
			name: "first non-full room wins",
			setup: func(t *testing.T, r *Registry) string {
				full, _ := r.CreateRoom(domain.RoomPublic)
				fill(t, r, full.ID, DefaultCapacity)
				open, _ := r.CreateRoom(domain.RoomPublic)
				r.CreateRoom(domain.RoomPublic)
				return open.ID
			},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(DefaultCapacity)
			wantID := tt.setup(t, r)

			rm, ok := r.FindAvailablePublic()

			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, wantID, rm.ID)
			}
		})
	}
}

func TestRegistry_CapacityEnforced(t *testing.T) {
	r := New(DefaultCapacity)
	rm, _ := r.CreateRoom(domain.RoomPublic)

	assert.False(t, r.IsFull(rm.ID))
	fill(t, r, rm.ID, DefaultCapacity)
	assert.True(t, r.IsFull(rm.ID))

	ok := r.AddMember(rm.ID, player("extra", 0))
	assert.False(t, ok)
	assert.Len(t, r.ListMembers(rm.ID), DefaultCapacity)
	assert.NotContains(t, r.MemberIDs(rm.ID), "extra")
}

func TestRegistry_AddMemberExistingDoesNotGrow(t *testing.T) {
	r := New(2)
	rm, _ := r.CreateRoom(domain.RoomPublic)

	require.True(t, r.AddMember(rm.ID, player("a", 0)))
	require.True(t, r.AddMember(rm.ID, player("b", 0)))
	require.True(t, r.AddMember(rm.ID, player("a", 7)), "existing member fits even when full")

	members := r.ListMembers(rm.ID)
	require.Len(t, members, 2)
	assert.Equal(t, 7, members[0].ActionCount)
}

func TestRegistry_AddMemberMissingRoom(t *testing.T) {
	r := New(DefaultCapacity)
	assert.False(t, r.AddMember("missing", player("a", 0)))
	assert.False(t, r.IsFull("missing"))
}

func TestRegistry_RemoveMember(t *testing.T) {
	clock := newClock()
	r := NewWithClock(DefaultCapacity, clock.Now)
	rm, _ := r.CreateRoom(domain.RoomPublic)
	require.True(t, r.AddMember(rm.ID, player("a", 0)))

	clock.Advance(time.Minute)
	assert.False(t, r.RemoveMember(rm.ID, "missing"))
	got, _ := r.Get(rm.ID)
	assert.Equal(t, rm.CreatedAt, got.LastActivityAt, "no mutation without removal")

	assert.True(t, r.RemoveMember(rm.ID, "a"))
	got, _ = r.Get(rm.ID)
	assert.Empty(t, got.Members)
	assert.Equal(t, clock.Now(), got.LastActivityAt)

	assert.False(t, r.RemoveMember("missing", "a"))
}

func TestRegistry_ListMembersIsCopy(t *testing.T) {
	r := New(DefaultCapacity)
	rm, _ := r.CreateRoom(domain.RoomPublic)
	require.True(t, r.AddMember(rm.ID, player("a", 1)))
	require.True(t, r.AddMember(rm.ID, player("b", 2)))

	list := r.ListMembers(rm.ID)
	list[0].ActionCount = 100
	r.AddMember(rm.ID, player("c", 3))

	assert.Len(t, list, 2)
	fresh := r.ListMembers(rm.ID)
	assert.Equal(t, 1, fresh[0].ActionCount)
	assert.Equal(t, []string{"a", "b", "c"}, r.MemberIDs(rm.ID))
}

func TestRegistry_RecordAction(t *testing.T) {
	clock := newClock()
	r := NewWithClock(DefaultCapacity, clock.Now)
	rm, _ := r.CreateRoom(domain.RoomPublic)
	require.True(t, r.AddMember(rm.ID, player("a", 0)))

	at := clock.Now().Add(time.Second)
	p, ok := r.RecordAction(rm.ID, "a", at)
	require.True(t, ok)
	assert.Equal(t, 1, p.ActionCount)
	assert.Equal(t, at.UnixMilli(), p.LastActionAt)

	p, _ = r.RecordAction(rm.ID, "a", at)
	assert.Equal(t, 2, p.ActionCount)

	_, ok = r.RecordAction(rm.ID, "missing", at)
	assert.False(t, ok)
	_, ok = r.RecordAction("missing", "a", at)
	assert.False(t, ok)
}

func TestRegistry_Leaderboard(t *testing.T) {
	tests := []struct {
		name    string
		counts  []int
		wantIDs []string
	}{
		{name: "top three of five", counts: []int{10, 25, 5, 30, 15}, wantIDs: []string{"3", "1", "4"}},
		{name: "two members", counts: []int{10, 5}, wantIDs: []string{"0", "1"}},
		{name: "empty room", counts: nil, wantIDs: []string{}},
		{name: "ties keep join order", counts: []int{10, 10, 10}, wantIDs: []string{"0", "1", "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(DefaultCapacity)
			rm, _ := r.CreateRoom(domain.RoomPublic)
			for i, c := range tt.counts {
				require.True(t, r.AddMember(rm.ID, player(strconv.Itoa(i), c)))
			}

			board := r.Leaderboard(rm.ID, 3)

			ids := make([]string, 0, len(board))
			for _, p := range board {
				ids = append(ids, p.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}

	t.Run("absent room", func(t *testing.T) {
		r := New(DefaultCapacity)
		assert.Empty(t, r.Leaderboard("nonexistent", 3))
	})
}

func TestRegistry_Info(t *testing.T) {
	r := New(DefaultCapacity)
	r.randCode = func() int { return 2026 }
	rm, _ := r.CreateRoom(domain.RoomPrivate)
	require.True(t, r.AddMember(rm.ID, player("a", 3)))

	info, ok := r.Info(rm.ID)
	require.True(t, ok)
	assert.Equal(t, rm.ID, info.ID)
	assert.Equal(t, domain.RoomPrivate, info.Kind)
	assert.Equal(t, "2026", info.Code)
	assert.Equal(t, DefaultCapacity, info.Capacity)
	assert.Equal(t, rm.CreatedAt.UnixMilli(), info.CreatedAt)
	require.Len(t, info.Players, 1)
	assert.Equal(t, "a", info.Players[0].ID)

	_, ok = r.Info("missing")
	assert.False(t, ok)
}

func TestRegistry_Touch(t *testing.T) {
	clock := newClock()
	r := NewWithClock(DefaultCapacity, clock.Now)
	rm, _ := r.CreateRoom(domain.RoomPublic)

	clock.Advance(time.Second)
	r.Touch(rm.ID)

	got, _ := r.Get(rm.ID)
	assert.True(t, got.LastActivityAt.After(rm.LastActivityAt))
}

func TestRegistry_SweepEmpty(t *testing.T) {
	tests := []struct {
		name        string
		withMember  bool
		idleFor     time.Duration
		wantDeleted bool
	}{
		{name: "empty and idle past threshold", idleFor: 31 * time.Minute, wantDeleted: true},
		{name: "occupied room kept", withMember: true, idleFor: 31 * time.Minute, wantDeleted: false},
		{name: "empty but recently active", idleFor: 29 * time.Minute, wantDeleted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newClock()
			r := NewWithClock(DefaultCapacity, clock.Now)
			rm, _ := r.CreateRoom(domain.RoomPrivate)
			if tt.withMember {
				require.True(t, r.AddMember(rm.ID, player("a", 0)))
			}

			clock.Advance(tt.idleFor)
			deleted := r.SweepEmpty(clock.Now(), DefaultIdleTimeout)

			_, exists := r.Get(rm.ID)
			_, codeLive := r.FindByCode(rm.Code)
			if tt.wantDeleted {
				assert.Equal(t, []string{rm.ID}, deleted)
				assert.False(t, exists)
				assert.False(t, codeLive)
				return
			}
			assert.Empty(t, deleted)
			assert.True(t, exists)
			assert.True(t, codeLive)
		})
	}
}

func TestRegistry_Stats(t *testing.T) {
	r := New(DefaultCapacity)
	pub1, _ := r.CreateRoom(domain.RoomPublic)
	r.CreateRoom(domain.RoomPublic)
	priv, _ := r.CreateRoom(domain.RoomPrivate)

	require.True(t, r.AddMember(pub1.ID, player("1", 0)))
	require.True(t, r.AddMember(priv.ID, player("2", 0)))

	assert.Equal(t, domain.RoomStats{
		TotalRooms:   3,
		PublicRooms:  2,
		PrivateRooms: 1,
		TotalPlayers: 2,
	}, r.Stats())
}

func TestRegistry_DeleteRoomMissing(t *testing.T) {
	r := New(DefaultCapacity)
	assert.False(t, r.DeleteRoom("missing"))
}
