package allowlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Mode semantics
// ============================================================

func TestIsAllowed_UnknownChannelDenies(t *testing.T) {
	a := New()
	assert.False(t, a.IsAllowed("telegram", "u1", ""), "channel without policy must deny")
}

func TestIsAllowed_OpenAllowsAnyone(t *testing.T) {
	a := New()
	require.NoError(t, a.Set("telegram", ModeOpen, nil, nil))

	assert.True(t, a.IsAllowed("telegram", "u1", ""))
	assert.True(t, a.IsAllowed("telegram", "stranger", "g9"))
}

func TestIsAllowed_DisabledDeniesEveryone(t *testing.T) {
	a := New()
	require.NoError(t, a.Set("slack", ModeDisabled, []string{"u1"}, []string{"g1"}))

	assert.False(t, a.IsAllowed("slack", "u1", "g1"), "disabled overrides membership")
}

func TestIsAllowed_AllowlistMembership(t *testing.T) {
	a := New()
	require.NoError(t, a.Set("matrix", ModeAllowlist, []string{"@ok:example.org"}, []string{"!room:example.org"}))

	assert.True(t, a.IsAllowed("matrix", "@ok:example.org", ""), "listed user passes")
	assert.True(t, a.IsAllowed("matrix", "@other:example.org", "!room:example.org"), "listed group passes")
	assert.False(t, a.IsAllowed("matrix", "@other:example.org", ""), "unlisted user without group fails")
	assert.False(t, a.IsAllowed("matrix", "@other:example.org", "!nope:example.org"), "unlisted group fails")
}

func TestIsAllowed_EmptyGroupNeverMatchesGroupSet(t *testing.T) {
	a := New()
	require.NoError(t, a.Set("line", ModeAllowlist, nil, []string{""}))

	assert.False(t, a.IsAllowed("line", "u1", ""), "empty group id must not match")
}

// ============================================================
// Mutation
// ============================================================

func TestSet_RejectsUnknownMode(t *testing.T) {
	a := New()
	assert.Error(t, a.Set("zalo", "maybe", nil, nil))
}

func TestSetMode_PreservesMembership(t *testing.T) {
	a := New()
	require.NoError(t, a.Set("discord", ModeAllowlist, []string{"u1"}, nil))

	require.NoError(t, a.SetMode("discord", ModeDisabled))
	assert.False(t, a.IsAllowed("discord", "u1", ""))

	require.NoError(t, a.SetMode("discord", ModeAllowlist))
	assert.True(t, a.IsAllowed("discord", "u1", ""), "membership survives mode flips")
}

func TestAddRemoveUser(t *testing.T) {
	a := New()
	a.AddUser("signal", "+15550001111")

	assert.True(t, a.IsAllowed("signal", "+15550001111", ""), "AddUser on fresh channel implies allowlist mode")
	assert.True(t, a.RemoveUser("signal", "+15550001111"))
	assert.False(t, a.IsAllowed("signal", "+15550001111", ""))
	assert.False(t, a.RemoveUser("signal", "+15550001111"), "second removal reports absence")
	assert.False(t, a.RemoveUser("nochannel", "u"), "unknown channel reports absence")
}

func TestAddRemoveGroup(t *testing.T) {
	a := New()
	a.AddGroup("kakao", "room42")
	require.NoError(t, a.SetMode("kakao", ModeAllowlist))

	assert.True(t, a.IsAllowed("kakao", "anyone", "room42"))
	assert.True(t, a.RemoveGroup("kakao", "room42"))
	assert.False(t, a.IsAllowed("kakao", "anyone", "room42"))
}

// ============================================================
// Env loading & status
// ============================================================

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ALLOWLIST_TELEGRAM_MODE", "allowlist")
	t.Setenv("ALLOWLIST_TELEGRAM_USERS", "111, 222 ,")
	t.Setenv("ALLOWLIST_TELEGRAM_GROUPS", "-100900")
	t.Setenv("ALLOWLIST_WEBCHAT_MODE", "open")
	t.Setenv("ALLOWLIST_SLACK_MODE", "bogus")

	a, n := LoadFromEnv()
	assert.Equal(t, 2, n, "bogus mode entry is skipped")

	assert.True(t, a.IsAllowed("telegram", "111", ""))
	assert.True(t, a.IsAllowed("telegram", "222", ""))
	assert.True(t, a.IsAllowed("telegram", "333", "-100900"))
	assert.False(t, a.IsAllowed("telegram", "333", ""))
	assert.True(t, a.IsAllowed("webchat", "anyone", ""))
	assert.False(t, a.IsAllowed("slack", "u1", ""))
}

func TestStatus_SortedSnapshot(t *testing.T) {
	a := New()
	require.NoError(t, a.Set("zalo", ModeOpen, nil, nil))
	require.NoError(t, a.Set("line", ModeAllowlist, []string{"b", "a"}, []string{"g2", "g1"}))

	st := a.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "line", st[0].Channel)
	assert.Equal(t, []string{"a", "b"}, st[0].Users)
	assert.Equal(t, []string{"g1", "g2"}, st[0].Groups)
	assert.Equal(t, "zalo", st[1].Channel)
}
