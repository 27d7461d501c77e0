package permissions

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"cosync/internal/covalue"
	"cosync/internal/security"
	"cosync/internal/signer"
)

// groupReveal is the value of a <keyID>_for_<groupID> entry: the key secret
// encrypted with one of the member group's read keys.
type groupReveal struct {
	By        covalue.KeyID `json:"by"`
	Encrypted string        `json:"encrypted"`
}

// RevealKey returns the group key under which key is revealed to target.
func RevealKey(key covalue.KeyID, target string) string {
	return string(key) + revealInfix + target
}

// GrantRole returns the change giving target (an agent, a group or
// "everyone") a role.
func GrantRole(target string, role Role) (covalue.Change, error) {
	if kind, _ := classify(target); kind != kindRole {
		return covalue.Change{}, fmt.Errorf("%w: cannot grant to %q", ErrBadRole, target)
	}
	return covalue.Set(target, string(role))
}

// SetReadKey returns the change making key the group's current read key.
func SetReadKey(key covalue.KeyID) (covalue.Change, error) {
	return covalue.Set(ReadKeyKey, string(key))
}

// RevealToAgent seals key for agent to.
func RevealToAgent(author *signer.Agent, key security.ReadKey, to covalue.AgentID) (covalue.Change, error) {
	sealed, err := author.Seal(to, []byte(key.EncodeSecret()))
	if err != nil {
		return covalue.Change{}, fmt.Errorf("seal key for %s: %w", to, err)
	}
	return covalue.Set(RevealKey(key.ID, string(to)), sealed)
}

// RevealToGroup encrypts key with a read key of the member group.
func RevealToGroup(key, groupKey security.ReadKey, group covalue.ID) (covalue.Change, error) {
	enc, err := groupKey.Encrypt([]byte(key.EncodeSecret()))
	if err != nil {
		return covalue.Change{}, err
	}
	return covalue.Set(RevealKey(key.ID, string(group)), groupReveal{By: groupKey.ID, Encrypted: enc})
}

// RevealToKey encrypts an older key with a newer one so that holders of
// the newer key can read history written under the older one.
func RevealToKey(older, newer security.ReadKey) (covalue.Change, error) {
	enc, err := newer.Encrypt([]byte(older.EncodeSecret()))
	if err != nil {
		return covalue.Change{}, err
	}
	return covalue.Set(RevealKey(older.ID, string(newer.ID)), enc)
}

// ReadKey locates the secret of keyID readable by me. It tries, in order, a
// reveal sealed directly to me, reveals to member groups whose keys I can
// read, and reveals to newer keys of this group.
func (g *GroupState) ReadKey(keyID covalue.KeyID, me *signer.Agent, groups Groups) (security.ReadKey, error) {
	return g.readKey(keyID, me, groups, map[string]bool{})
}

func (g *GroupState) readKey(keyID covalue.KeyID, me *signer.Agent, groups Groups, visiting map[string]bool) (security.ReadKey, error) {
	mark := string(g.ID) + "/" + string(keyID)
	if visiting[mark] {
		return security.ReadKey{}, ErrNoReadKey
	}
	visiting[mark] = true

	if hist := g.history[RevealKey(keyID, string(me.ID()))]; len(hist) > 0 {
		rec := hist[len(hist)-1]
		var sealed string
		if !rec.deleted && json.Unmarshal(rec.value, &sealed) == nil {
			if plain, err := me.Unseal(rec.author, sealed); err == nil {
				return security.ParseKeySecret(keyID, string(plain))
			}
		}
	}

	prefix := string(keyID) + revealInfix
	var targets []string
	for key := range g.history {
		if target, ok := strings.CutPrefix(key, prefix); ok {
			targets = append(targets, target)
		}
	}
	sort.Strings(targets)

	pending := false
	for _, target := range targets {
		hist := g.history[prefix+target]
		rec := hist[len(hist)-1]
		if rec.deleted {
			continue
		}
		var (
			outer security.ReadKey
			enc   string
			err   error
		)
		switch {
		case covalue.IsID(target):
			var reveal groupReveal
			if json.Unmarshal(rec.value, &reveal) != nil {
				continue
			}
			member, ok := groups.Group(covalue.ID(target))
			if !ok {
				pending = true
				continue
			}
			outer, err = member.readKey(reveal.By, me, groups, visiting)
			enc = reveal.Encrypted
		case security.IsKeyID(target):
			if json.Unmarshal(rec.value, &enc) != nil {
				continue
			}
			outer, err = g.readKey(covalue.KeyID(target), me, groups, visiting)
		default:
			continue
		}
		if err != nil {
			if errors.Is(err, ErrPending) {
				pending = true
			}
			continue
		}
		plain, err := outer.Decrypt(enc)
		if err != nil {
			continue
		}
		return security.ParseKeySecret(keyID, string(plain))
	}

	if pending {
		return security.ReadKey{}, fmt.Errorf("%w: key %s of %s", ErrPending, keyID, g.ID)
	}
	return security.ReadKey{}, fmt.Errorf("%w: %s in %s", ErrNoReadKey, keyID, g.ID)
}
