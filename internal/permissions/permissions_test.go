package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cosync/internal/covalue"
	"cosync/internal/security"
	"cosync/internal/signer"
)

// =============================================================================
// Helpers
// =============================================================================

type author struct {
	agent   *signer.Agent
	session covalue.SessionID
	next    int
}

func newAuthor(t *testing.T) *author {
	t.Helper()
	a, err := signer.NewAgent()
	require.NoError(t, err)
	return &author{agent: a, session: covalue.NewSessionID(a.ID())}
}

func (a *author) id() covalue.AgentID { return a.agent.ID() }

// tx builds the next entry of the author's session made at madeAt.
func (a *author) tx(t *testing.T, madeAt int64, changes ...covalue.Change) Entry {
	t.Helper()
	raw, err := covalue.EncodeChanges(changes)
	require.NoError(t, err)
	e := Entry{
		Ref:    TxRef{Session: a.session, Index: a.next},
		Author: a.id(),
		Tx:     covalue.Transaction{Privacy: covalue.PrivacyTrusting, MadeAt: madeAt, Changes: raw},
	}
	a.next++
	return e
}

func grant(t *testing.T, target string, role Role) covalue.Change {
	t.Helper()
	c, err := GrantRole(target, role)
	require.NoError(t, err)
	return c
}

func set(t *testing.T, key string, value any) covalue.Change {
	t.Helper()
	c, err := covalue.Set(key, value)
	require.NoError(t, err)
	return c
}

// =============================================================================
// Group replay
// =============================================================================

func TestInitialAdminBootstrapsGroup(t *testing.T) {
	admin := newAuthor(t)
	bob := newAuthor(t)
	header := covalue.GroupHeader(admin.id())
	id := header.ID()

	entries := []Entry{
		admin.tx(t, 10, grant(t, string(admin.id()), RoleAdmin)),
		admin.tx(t, 20, grant(t, string(bob.id()), RoleWriter)),
		bob.tx(t, 30, set(t, "title", "hello")),
		bob.tx(t, 40, grant(t, string(bob.id()), RoleAdmin)),
	}

	g, results := BuildGroup(id, header, entries, GroupMap{})
	assert.Equal(t, ValidityValid, results[entries[0].Ref])
	assert.Equal(t, ValidityValid, results[entries[1].Ref])
	assert.Equal(t, ValidityValid, results[entries[2].Ref], "writers may set plain keys")
	assert.Equal(t, ValidityInvalid, results[entries[3].Ref], "writers may not change roles")

	assert.Equal(t, map[string]Role{
		string(admin.id()): RoleAdmin,
		string(bob.id()):   RoleWriter,
	}, g.Roles())
}

func TestRoleAtFollowsHistory(t *testing.T) {
	admin := newAuthor(t)
	bob := newAuthor(t)
	header := covalue.GroupHeader(admin.id())

	entries := []Entry{
		admin.tx(t, 10, grant(t, string(bob.id()), RoleWriter)),
		admin.tx(t, 50, grant(t, string(bob.id()), RoleRevoked)),
	}
	g, _ := BuildGroup(header.ID(), header, entries, GroupMap{})

	role, err := g.RoleAt(bob.id(), 5, GroupMap{})
	require.NoError(t, err)
	assert.Equal(t, RoleNone, role)

	role, _ = g.RoleAt(bob.id(), 30, GroupMap{})
	assert.Equal(t, RoleWriter, role)

	role, _ = g.RoleAt(bob.id(), 60, GroupMap{})
	assert.Equal(t, RoleRevoked, role)
	assert.False(t, role.CanWrite())
}

func TestTransactionIsAtomic(t *testing.T) {
	admin := newAuthor(t)
	bob := newAuthor(t)
	header := covalue.GroupHeader(admin.id())

	entries := []Entry{
		admin.tx(t, 10, grant(t, string(bob.id()), RoleWriter)),
		bob.tx(t, 20, set(t, "a", 1), grant(t, string(bob.id()), RoleAdmin)),
	}
	g, results := BuildGroup(header.ID(), header, entries, GroupMap{})
	assert.Equal(t, ValidityInvalid, results[entries[1].Ref])
	_, ok := g.at("a", 100)
	assert.False(t, ok, "no change of an invalid transaction may apply")
}

func TestEveryoneCannotBeAdmin(t *testing.T) {
	admin := newAuthor(t)
	header := covalue.GroupHeader(admin.id())
	entries := []Entry{
		admin.tx(t, 10, grant(t, EveryoneKey, RoleAdmin)),
		admin.tx(t, 20, grant(t, EveryoneKey, RoleWriter)),
	}
	g, results := BuildGroup(header.ID(), header, entries, GroupMap{})
	assert.Equal(t, ValidityInvalid, results[entries[0].Ref])
	assert.Equal(t, ValidityValid, results[entries[1].Ref])

	stranger := newAuthor(t)
	role, err := g.Role(stranger.id(), GroupMap{})
	require.NoError(t, err)
	assert.Equal(t, RoleWriter, role)
}

// Two admins work offline and each demotes themselves to writer in their
// own session; merging both histories yields both as writers.
func TestConcurrentSessionsMerge(t *testing.T) {
	creator := newAuthor(t)
	a := newAuthor(t)
	b := newAuthor(t)
	header := covalue.GroupHeader(creator.id())

	base := []Entry{
		creator.tx(t, 10, grant(t, string(a.id()), RoleAdmin), grant(t, string(b.id()), RoleAdmin)),
	}
	sessionA := []Entry{
		a.tx(t, 100, set(t, "a0", true)),
		a.tx(t, 101, set(t, "a1", true)),
		a.tx(t, 102, grant(t, string(a.id()), RoleWriter)),
	}
	sessionB := []Entry{
		b.tx(t, 100, set(t, "b0", true)),
		b.tx(t, 103, set(t, "b1", true)),
		b.tx(t, 104, grant(t, string(b.id()), RoleWriter)),
	}

	merged := append(append(append([]Entry{}, base...), sessionB...), sessionA...)
	g, results := BuildGroup(header.ID(), header, merged, GroupMap{})
	for _, e := range merged {
		assert.Equal(t, ValidityValid, results[e.Ref], "entry %v", e.Ref)
	}
	assert.Equal(t, map[string]Role{
		string(a.id()): RoleWriter,
		string(b.id()): RoleWriter,
	}, g.Roles())

	// Evaluation does not depend on arrival order.
	reversed := append(append(append([]Entry{}, sessionA...), sessionB...), base...)
	g2, _ := BuildGroup(header.ID(), header, reversed, GroupMap{})
	assert.Equal(t, g.Fingerprint(), g2.Fingerprint())
}

// =============================================================================
// Member groups and owned values
// =============================================================================

func TestMemberGroupInheritance(t *testing.T) {
	admin := newAuthor(t)
	member := newAuthor(t)

	innerHeader := covalue.GroupHeader(admin.id())
	inner, _ := BuildGroup(innerHeader.ID(), innerHeader, []Entry{
		admin.tx(t, 10, grant(t, string(member.id()), RoleReader)),
	}, GroupMap{})

	outerHeader := covalue.GroupHeader(admin.id())
	outer, _ := BuildGroup(outerHeader.ID(), outerHeader, []Entry{
		admin.tx(t, 20, grant(t, string(innerHeader.ID()), RoleWriter)),
	}, GroupMap{})

	_, err := outer.RoleAt(member.id(), 30, GroupMap{})
	assert.ErrorIs(t, err, ErrPending, "unavailable member group leaves role pending")

	groups := GroupMap{inner.ID: inner, outer.ID: outer}
	role, err := outer.RoleAt(member.id(), 30, groups)
	require.NoError(t, err)
	assert.Equal(t, RoleWriter, role)

	role, err = outer.RoleAt(member.id(), 15, groups)
	require.NoError(t, err)
	assert.Equal(t, RoleNone, role, "grant made at 20 does not apply earlier")
}

func TestCyclicMemberGroupsTerminate(t *testing.T) {
	admin := newAuthor(t)
	stranger := newAuthor(t)
	h1 := covalue.GroupHeader(admin.id())
	h2 := covalue.GroupHeader(admin.id())

	g1, _ := BuildGroup(h1.ID(), h1, []Entry{admin.tx(t, 10, grant(t, string(h2.ID()), RoleReader))}, GroupMap{})
	g2, _ := BuildGroup(h2.ID(), h2, []Entry{admin.tx(t, 10, grant(t, string(h1.ID()), RoleReader))}, GroupMap{})
	groups := GroupMap{g1.ID: g1, g2.ID: g2}

	role, err := g1.Role(stranger.id(), groups)
	require.NoError(t, err)
	assert.Equal(t, RoleNone, role)
}

func TestValidateOwned(t *testing.T) {
	admin := newAuthor(t)
	writer := newAuthor(t)
	reader := newAuthor(t)

	gh := covalue.GroupHeader(admin.id())
	group, _ := BuildGroup(gh.ID(), gh, []Entry{
		admin.tx(t, 10, grant(t, string(writer.id()), RoleWriter), grant(t, string(reader.id()), RoleReader)),
	}, GroupMap{})

	header := covalue.OwnedHeader(gh.ID())
	entries := []Entry{
		writer.tx(t, 20, set(t, "x", 1)),
		reader.tx(t, 20, set(t, "x", 2)),
		writer.tx(t, 5, set(t, "x", 3)),
	}

	pending := ValidateOwned(header, entries, GroupMap{})
	for _, e := range entries {
		assert.Equal(t, ValidityPending, pending[e.Ref])
	}

	results := ValidateOwned(header, entries, GroupMap{group.ID: group})
	assert.Equal(t, ValidityValid, results[entries[0].Ref])
	assert.Equal(t, ValidityInvalid, results[entries[1].Ref])
	assert.Equal(t, ValidityInvalid, results[entries[2].Ref], "written before the grant")
}

func TestDependencies(t *testing.T) {
	admin := newAuthor(t)
	other := covalue.GroupHeader(admin.id()).ID()
	third := covalue.GroupHeader(admin.id()).ID()
	key, err := security.NewReadKey()
	require.NoError(t, err)
	otherKey, err := security.NewReadKey()
	require.NoError(t, err)

	reveal, err := RevealToGroup(key, otherKey, third)
	require.NoError(t, err)

	header := covalue.GroupHeader(admin.id())
	entries := []Entry{
		admin.tx(t, 10, grant(t, string(other), RoleReader), set(t, "plain", 1)),
		admin.tx(t, 20, reveal),
	}
	deps := Dependencies(header, entries)
	assert.ElementsMatch(t, []covalue.ID{other, third}, deps)

	assert.Equal(t, []covalue.ID{other}, Dependencies(covalue.OwnedHeader(other), nil))
	assert.Empty(t, Dependencies(covalue.NewHeader("comap", covalue.Ruleset{Type: covalue.RulesetUnsafeAllowAll}, nil), entries))
}

// =============================================================================
// Keys
// =============================================================================

func TestReadKeyRevealedToAgent(t *testing.T) {
	admin := newAuthor(t)
	bob := newAuthor(t)
	eve := newAuthor(t)
	key, err := security.NewReadKey()
	require.NoError(t, err)

	readKey, err := SetReadKey(key.ID)
	require.NoError(t, err)
	forBob, err := RevealToAgent(admin.agent, key, bob.id())
	require.NoError(t, err)

	header := covalue.GroupHeader(admin.id())
	g, results := BuildGroup(header.ID(), header, []Entry{
		admin.tx(t, 10, grant(t, string(bob.id()), RoleReader), readKey, forBob),
	}, GroupMap{})
	for _, v := range results {
		require.Equal(t, ValidityValid, v)
	}

	current, ok := g.ReadKeyID()
	require.True(t, ok)
	assert.Equal(t, key.ID, current)

	got, err := g.ReadKey(key.ID, bob.agent, GroupMap{})
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = g.ReadKey(key.ID, eve.agent, GroupMap{})
	assert.ErrorIs(t, err, ErrNoReadKey)
}

func TestReadKeyThroughGroupAndRotation(t *testing.T) {
	admin := newAuthor(t)
	member := newAuthor(t)

	innerKey, _ := security.NewReadKey()
	forMember, err := RevealToAgent(admin.agent, innerKey, member.id())
	require.NoError(t, err)
	innerHeader := covalue.GroupHeader(admin.id())
	inner, _ := BuildGroup(innerHeader.ID(), innerHeader, []Entry{
		admin.tx(t, 10, grant(t, string(member.id()), RoleReader), forMember),
	}, GroupMap{})

	oldKey, _ := security.NewReadKey()
	newKey, _ := security.NewReadKey()
	toGroup, err := RevealToGroup(newKey, innerKey, inner.ID)
	require.NoError(t, err)
	rotation, err := RevealToKey(oldKey, newKey)
	require.NoError(t, err)

	outerHeader := covalue.GroupHeader(admin.id())
	outer, results := BuildGroup(outerHeader.ID(), outerHeader, []Entry{
		admin.tx(t, 20, grant(t, string(inner.ID), RoleReader), toGroup, rotation),
	}, GroupMap{})
	for _, v := range results {
		require.Equal(t, ValidityValid, v)
	}

	_, err = outer.ReadKey(oldKey.ID, member.agent, GroupMap{})
	assert.ErrorIs(t, err, ErrPending)

	groups := GroupMap{inner.ID: inner}
	got, err := outer.ReadKey(newKey.ID, member.agent, groups)
	require.NoError(t, err)
	assert.Equal(t, newKey, got)

	got, err = outer.ReadKey(oldKey.ID, member.agent, groups)
	require.NoError(t, err)
	assert.Equal(t, oldKey, got)
}

func TestRevealRequiresAdminUnlessToSelf(t *testing.T) {
	admin := newAuthor(t)
	reader := newAuthor(t)
	other := newAuthor(t)
	key, _ := security.NewReadKey()

	toSelf, err := RevealToAgent(reader.agent, key, reader.id())
	require.NoError(t, err)
	toOther, err := RevealToAgent(reader.agent, key, other.id())
	require.NoError(t, err)

	header := covalue.GroupHeader(admin.id())
	entries := []Entry{
		admin.tx(t, 10, grant(t, string(reader.id()), RoleReader)),
		reader.tx(t, 20, toSelf),
		reader.tx(t, 30, toOther),
	}
	_, results := BuildGroup(header.ID(), header, entries, GroupMap{})
	assert.Equal(t, ValidityValid, results[entries[1].Ref])
	assert.Equal(t, ValidityInvalid, results[entries[2].Ref])
}

// =============================================================================
// Resolver
// =============================================================================

type fakeGraph map[covalue.ID][]covalue.ID

func (g fakeGraph) Dependencies(id covalue.ID) ([]covalue.ID, bool) {
	deps, ok := g[id]
	return deps, ok
}

func TestResolveOrdersDependenciesFirst(t *testing.T) {
	g := fakeGraph{
		"doc":    {"team"},
		"team":   {"org"},
		"org":    nil,
		"orphan": {"ghost"},
	}

	c := Resolve(g, "doc")
	assert.Equal(t, []covalue.ID{"org", "team", "doc"}, c.Order)
	assert.True(t, c.Ready())

	c = Resolve(g, "orphan")
	assert.False(t, c.Ready())
	assert.Equal(t, []covalue.ID{"ghost"}, c.Missing)
}

func TestResolveBreaksCycles(t *testing.T) {
	g := fakeGraph{
		"a": {"b"},
		"b": {"c", "a"},
		"c": {"a"},
	}
	c := Resolve(g, "a")
	assert.Equal(t, []covalue.ID{"c", "b", "a"}, c.Order)
	assert.True(t, c.Ready())
}
